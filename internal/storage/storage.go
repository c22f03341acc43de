// Package storage defines the Storage interface used to archive usage-report
// ledgers, plus the path conventions shared by every backend.
//
// Backends register themselves with the factory from an init() function in
// their own package; cmd/server blank-imports each backend.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned by Download when no object exists at the path.
var ErrNotFound = errors.New("storage: object not found")

// ErrInvalidPath is returned for absolute paths or paths that escape the archive root.
var ErrInvalidPath = errors.New("storage: invalid path")

// UsageReportPrefix is the root of the usage ledger archive.
const UsageReportPrefix = "usage-reports/"

// Storage defines the interface for archive backends
type Storage interface {
	// Upload stores an object and returns the storage result with path and checksum
	Upload(ctx context.Context, path string, reader io.Reader, size int64) (*UploadResult, error)

	// Download retrieves an object. Missing objects return ErrNotFound.
	Download(ctx context.Context, path string) (io.ReadCloser, error)

	// Exists checks if an object exists at the specified path
	Exists(ctx context.Context, path string) (bool, error)

	// List returns the objects under prefix, sorted by path.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// UploadResult contains information about an uploaded object
type UploadResult struct {
	Path string
	Size int64
	// Checksum is the SHA256 hash of the contents
	Checksum string
}

// ObjectInfo describes one archived object.
type ObjectInfo struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// UsageReportPath returns usage-reports/YYYY/MM/DD/<runID>.json for the UTC day of t.
func UsageReportPath(t time.Time, runID string) string {
	t = t.UTC()
	return fmt.Sprintf("%s%04d/%02d/%02d/%s.json", UsageReportPrefix, t.Year(), t.Month(), t.Day(), runID)
}

// UsageReportDayPrefix returns the prefix holding every run archived on day.
func UsageReportDayPrefix(day time.Time) string {
	day = day.UTC()
	return fmt.Sprintf("%s%04d/%02d/%02d/", UsageReportPrefix, day.Year(), day.Month(), day.Day())
}

// CleanPath normalises a caller-supplied object path and rejects traversal.
func CleanPath(p string) (string, error) {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return "", ErrInvalidPath
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidPath
	}
	return cleaned, nil
}
