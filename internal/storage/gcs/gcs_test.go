package gcs

import (
	"bytes"
	"context"
	"errors"
	"testing"

	appconfig "github.com/mlplatform/console-backend/internal/config"
	appstorage "github.com/mlplatform/console-backend/internal/storage"
)

// ---------------------------------------------------------------------------
// New() constructor validation (no GCS connection required)
// ---------------------------------------------------------------------------

func TestNew_MissingBucket(t *testing.T) {
	_, err := New(&appconfig.GCSStorageConfig{})
	if err == nil {
		t.Error("New() = nil error, want error for missing bucket")
	}
}

func TestNew_ServiceAccountNoCredentials(t *testing.T) {
	cfg := &appconfig.GCSStorageConfig{
		Bucket:     "usage-archive",
		AuthMethod: "service_account",
	}
	_, err := New(cfg)
	if err == nil {
		t.Error("New() = nil error, want error for service_account without credentials")
	}
}

func TestNew_UnsupportedAuthMethod(t *testing.T) {
	cfg := &appconfig.GCSStorageConfig{
		Bucket:     "usage-archive",
		AuthMethod: "hmac",
	}
	_, err := New(cfg)
	if err == nil {
		t.Error("New() = nil error, want error for unsupported auth_method")
	}
}

func TestNew_ServiceAccountWithCredentialsFile(t *testing.T) {
	// The file does not exist; only the code path is exercised.
	cfg := &appconfig.GCSStorageConfig{
		Bucket:          "usage-archive",
		AuthMethod:      "service_account",
		CredentialsFile: "/nonexistent/credentials.json",
	}
	_, _ = New(cfg)
}

// ---------------------------------------------------------------------------
// Path validation happens before any request is made
// ---------------------------------------------------------------------------

func TestOperations_RejectInvalidPaths(t *testing.T) {
	s := &GCSStorage{bucket: "usage-archive"}
	ctx := context.Background()

	for _, p := range []string{"", "/abs/path.json", "../outside.json", "usage-reports\\x.json"} {
		if _, err := s.Upload(ctx, p, bytes.NewReader([]byte("{}")), 2); !errors.Is(err, appstorage.ErrInvalidPath) {
			t.Errorf("Upload(%q) error = %v, want ErrInvalidPath", p, err)
		}
		if _, err := s.Download(ctx, p); !errors.Is(err, appstorage.ErrInvalidPath) {
			t.Errorf("Download(%q) error = %v, want ErrInvalidPath", p, err)
		}
		if _, err := s.Exists(ctx, p); !errors.Is(err, appstorage.ErrInvalidPath) {
			t.Errorf("Exists(%q) error = %v, want ErrInvalidPath", p, err)
		}
	}
}
