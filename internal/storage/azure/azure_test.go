package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/mlplatform/console-backend/internal/config"
	"github.com/mlplatform/console-backend/internal/storage"
	"github.com/mlplatform/console-backend/pkg/checksum"
)

type storedBlob struct {
	content      []byte
	metadata     map[string]string
	lastModified time.Time
}

// newTestStorage points a storage at an httptest server that imitates enough
// of the Blob REST API for container "archive".
func newTestStorage(t *testing.T) (*AzureStorage, map[string]*storedBlob) {
	t.Helper()

	store := map[string]*storedBlob{}
	notFound := func(w http.ResponseWriter) {
		w.Header().Set("x-ms-error-code", "BlobNotFound")
		w.WriteHeader(http.StatusNotFound)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := strings.TrimPrefix(r.URL.Path, "/")

		if p == "archive" && r.Method == http.MethodGet && r.URL.Query().Get("comp") == "list" {
			prefix := r.URL.Query().Get("prefix")
			var names []string
			for name := range store {
				if strings.HasPrefix(name, prefix) {
					names = append(names, name)
				}
			}
			// Reverse order so the backend has to sort.
			sort.Sort(sort.Reverse(sort.StringSlice(names)))

			var b strings.Builder
			b.WriteString(`<?xml version="1.0" encoding="utf-8"?><EnumerationResults ContainerName="archive"><Blobs>`)
			for _, name := range names {
				blob := store[name]
				fmt.Fprintf(&b, `<Blob><Name>%s</Name><Properties><Last-Modified>%s</Last-Modified><Content-Length>%d</Content-Length><BlobType>BlockBlob</BlobType></Properties></Blob>`,
					name, blob.lastModified.Format(http.TimeFormat), len(blob.content))
			}
			b.WriteString(`</Blobs><NextMarker /></EnumerationResults>`)
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(b.String()))
			return
		}

		key := strings.TrimPrefix(p, "archive/")
		switch r.Method {
		case http.MethodPut:
			data, _ := io.ReadAll(r.Body)
			meta := map[string]string{}
			for k, v := range r.Header {
				lk := strings.ToLower(k)
				if strings.HasPrefix(lk, "x-ms-meta-") && len(v) > 0 {
					meta[strings.TrimPrefix(lk, "x-ms-meta-")] = v[0]
				}
			}
			store[key] = &storedBlob{content: data, metadata: meta, lastModified: time.Now().UTC()}
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			b, ok := store[key]
			if !ok {
				notFound(w)
				return
			}
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(b.content)))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(b.content)
		case http.MethodHead:
			b, ok := store[key]
			if !ok {
				notFound(w)
				return
			}
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(b.content)))
			w.Header().Set("Last-Modified", b.lastModified.Format(http.TimeFormat))
			for k, v := range b.metadata {
				w.Header().Set("x-ms-meta-"+k, v)
			}
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)

	client, err := azblob.NewClientWithNoCredential(srv.URL, nil)
	if err != nil {
		t.Fatalf("failed to create azblob client: %v", err)
	}
	return &AzureStorage{client: client, containerName: "archive"}, store
}

func TestUploadDownloadAndExists(t *testing.T) {
	s, store := newTestStorage(t)
	ctx := context.Background()
	data := []byte(`{"run_id":"r1"}`)
	path := storage.UsageReportPath(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), "r1")

	res, err := s.Upload(ctx, path, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if res.Size != int64(len(data)) {
		t.Errorf("Size = %d, want %d", res.Size, len(data))
	}
	if want := checksum.SumBytes(data); res.Checksum != want {
		t.Errorf("Checksum = %q, want %q", res.Checksum, want)
	}
	if got := store[path].metadata["sha256"]; got != res.Checksum {
		t.Errorf("sha256 metadata = %q, want %q", got, res.Checksum)
	}

	rc, err := s.Download(ctx, path)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if !bytes.Equal(got, data) {
		t.Errorf("download content mismatch: %q", string(got))
	}

	exists, err := s.Exists(ctx, path)
	if err != nil {
		t.Fatalf("Exists returned error: %v", err)
	}
	if !exists {
		t.Error("Exists = false, want true")
	}
}

func TestMissingBlob(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	exists, err := s.Exists(ctx, "usage-reports/2026/01/01/none.json")
	if err != nil {
		t.Fatalf("Exists returned error: %v", err)
	}
	if exists {
		t.Error("Exists = true for missing blob, want false")
	}

	if _, err := s.Download(ctx, "usage-reports/2026/01/01/none.json"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Download error = %v, want ErrNotFound", err)
	}
}

func TestList_FiltersByPrefixAndSorts(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, run := range []string{"b", "a", "c"} {
		if _, err := s.Upload(ctx, storage.UsageReportPath(day, run), strings.NewReader("{}"), 2); err != nil {
			t.Fatalf("Upload(%s) failed: %v", run, err)
		}
	}
	if _, err := s.Upload(ctx, storage.UsageReportPath(day.AddDate(0, 0, 1), "z"), strings.NewReader("{}"), 2); err != nil {
		t.Fatalf("Upload next day failed: %v", err)
	}

	objs, err := s.List(ctx, storage.UsageReportDayPrefix(day))
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(objs) != 3 {
		t.Fatalf("List returned %d objects, want 3", len(objs))
	}
	for i, run := range []string{"a", "b", "c"} {
		if want := storage.UsageReportPath(day, run); objs[i].Path != want {
			t.Errorf("objs[%d].Path = %q, want %q", i, objs[i].Path, want)
		}
		if objs[i].Size != 2 {
			t.Errorf("objs[%d].Size = %d, want 2", i, objs[i].Size)
		}
	}
}

func TestUpload_InvalidPath(t *testing.T) {
	s, store := newTestStorage(t)
	if _, err := s.Upload(context.Background(), "../escape.json", strings.NewReader("{}"), 2); !errors.Is(err, storage.ErrInvalidPath) {
		t.Errorf("Upload error = %v, want ErrInvalidPath", err)
	}
	if len(store) != 0 {
		t.Errorf("store has %d blobs, want 0", len(store))
	}
}

// ---------------------------------------------------------------------------
// New() constructor validation (no cloud connection required)
// ---------------------------------------------------------------------------

func TestNew_MissingAccountName(t *testing.T) {
	_, err := New(&config.AzureStorageConfig{AccountKey: "a2V5", ContainerName: "archive"})
	if err == nil {
		t.Error("New() = nil error, want error for missing account name")
	}
}

func TestNew_MissingAccountKey(t *testing.T) {
	_, err := New(&config.AzureStorageConfig{AccountName: "mlpaccount", ContainerName: "archive"})
	if err == nil {
		t.Error("New() = nil error, want error for missing account key")
	}
}

func TestNew_MissingContainerName(t *testing.T) {
	_, err := New(&config.AzureStorageConfig{AccountName: "mlpaccount", AccountKey: "a2V5"})
	if err == nil {
		t.Error("New() = nil error, want error for missing container name")
	}
}

func TestNew_InvalidAccountKey(t *testing.T) {
	_, err := New(&config.AzureStorageConfig{AccountName: "mlpaccount", AccountKey: "not base64!", ContainerName: "archive"})
	if err == nil {
		t.Error("New() = nil error, want error for non-base64 account key")
	}
}

func TestNew_Valid(t *testing.T) {
	s, err := New(&config.AzureStorageConfig{AccountName: "mlpaccount", AccountKey: "a2V5", ContainerName: "archive"})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if s.containerName != "archive" {
		t.Errorf("containerName = %q, want archive", s.containerName)
	}
}
