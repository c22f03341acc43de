package s3

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
	"sync"
	"testing"
	"time"

	appconfig "github.com/mlplatform/console-backend/internal/config"
	"github.com/mlplatform/console-backend/internal/storage"
)

// ---------------------------------------------------------------------------
// New(): constructor validation (no AWS connection required)
// ---------------------------------------------------------------------------

func TestNew_InvalidConfigs(t *testing.T) {
	tests := []struct {
		name string
		cfg  appconfig.S3StorageConfig
	}{
		{"missing bucket", appconfig.S3StorageConfig{Region: "eu-north-1"}},
		{"missing region", appconfig.S3StorageConfig{Bucket: "usage"}},
		{"static without keys", appconfig.S3StorageConfig{Bucket: "usage", Region: "eu-north-1", AuthMethod: "static"}},
		{"unsupported method", appconfig.S3StorageConfig{Bucket: "usage", Region: "eu-north-1", AuthMethod: "kerberos"}},
		{"oidc without role", appconfig.S3StorageConfig{Bucket: "usage", Region: "eu-north-1", AuthMethod: "oidc"}},
		{"oidc without token file", appconfig.S3StorageConfig{
			Bucket: "usage", Region: "eu-north-1", AuthMethod: "oidc",
			RoleARN: "arn:aws:iam::123456789012:role/usage-archive",
		}},
		{"assume_role without role", appconfig.S3StorageConfig{Bucket: "usage", Region: "eu-north-1", AuthMethod: "assume_role"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			if _, err := New(&cfg); err == nil {
				t.Errorf("New() = nil error, want error for %s", tt.name)
			}
		})
	}
}

func TestNew_AssumeRole_WithExternalID(t *testing.T) {
	// AssumeRole is lazy; construction makes no network call.
	s, err := New(&appconfig.S3StorageConfig{
		Bucket:     "usage",
		Region:     "eu-north-1",
		AuthMethod: "assume_role",
		RoleARN:    "arn:aws:iam::123456789012:role/usage-archive",
		ExternalID: "console",
	})
	if err != nil || s == nil {
		t.Fatalf("New() = %v, %v", s, err)
	}
}

func TestNew_StaticAuth_WithEndpoint(t *testing.T) {
	s, err := New(&appconfig.S3StorageConfig{
		Bucket:          "usage",
		Region:          "us-east-1",
		AuthMethod:      "static",
		AccessKeyID:     "test-key",
		SecretAccessKey: "test-secret",
		Endpoint:        "http://localhost:9000",
	})
	if err != nil || s == nil {
		t.Fatalf("New() with custom endpoint = %v, %v", s, err)
	}
}

// ---------------------------------------------------------------------------
// Mock S3-compatible HTTP server
// ---------------------------------------------------------------------------

type s3MockStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]map[string]string
}

// newS3TestStorage creates an S3Storage backed by a minimal path-style S3 mock.
func newS3TestStorage(t *testing.T) (*S3Storage, *s3MockStore) {
	t.Helper()

	ms := &s3MockStore{
		objects: map[string][]byte{},
		meta:    map[string]map[string]string{},
	}
	const bucket = "test-bucket"
	modified := time.Date(2026, 3, 8, 1, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")
		idx := strings.IndexByte(path, '/')
		if idx < 0 {
			if r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2" {
				prefix := r.URL.Query().Get("prefix")
				ms.mu.Lock()
				var keys []string
				for k := range ms.objects {
					if strings.HasPrefix(k, prefix) {
						keys = append(keys, k)
					}
				}
				sort.Sort(sort.Reverse(sort.StringSlice(keys)))
				w.Header().Set("Content-Type", "application/xml")
				fmt.Fprint(w, `<?xml version="1.0"?><ListBucketResult><IsTruncated>false</IsTruncated>`)
				for _, k := range keys {
					fmt.Fprintf(w, `<Contents><Key>%s</Key><Size>%d</Size><LastModified>%s</LastModified></Contents>`,
						k, len(ms.objects[k]), modified.Format(time.RFC3339))
				}
				fmt.Fprint(w, `</ListBucketResult>`)
				ms.mu.Unlock()
				return
			}
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		key := path[idx+1:]
		switch r.Method {
		case http.MethodPut:
			data, _ := io.ReadAll(r.Body)
			meta := map[string]string{}
			for hk, hv := range r.Header {
				lk := strings.ToLower(hk)
				if strings.HasPrefix(lk, "x-amz-meta-") && len(hv) > 0 {
					meta[strings.TrimPrefix(lk, "x-amz-meta-")] = hv[0]
				}
			}
			ms.mu.Lock()
			ms.objects[key] = data
			ms.meta[key] = meta
			ms.mu.Unlock()
			w.Header().Set("ETag", `"test-etag"`)
			w.WriteHeader(http.StatusOK)

		case http.MethodGet:
			ms.mu.Lock()
			data, ok := ms.objects[key]
			ms.mu.Unlock()
			if !ok {
				w.Header().Set("Content-Type", "application/xml")
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `<?xml version="1.0"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
				return
			}
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
			w.WriteHeader(http.StatusOK)
			w.Write(data)

		case http.MethodHead:
			ms.mu.Lock()
			data, ok := ms.objects[key]
			ms.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
			w.Header().Set("Last-Modified", modified.Format(http.TimeFormat))
			w.WriteHeader(http.StatusOK)

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)

	s, err := New(&appconfig.S3StorageConfig{
		Bucket:          bucket,
		Region:          "us-east-1",
		AuthMethod:      "static",
		AccessKeyID:     "test-access-key",
		SecretAccessKey: "test-secret-key",
		Endpoint:        srv.URL,
	})
	if err != nil {
		t.Fatalf("New() for mock S3: %v", err)
	}
	return s, ms
}

// ---------------------------------------------------------------------------
// Upload / Download
// ---------------------------------------------------------------------------

func TestS3_Upload(t *testing.T) {
	s, ms := newS3TestStorage(t)

	data := []byte(`{"run_id":"r1"}`)
	result, err := s.Upload(context.Background(), "usage-reports/2026/03/08/r1.json", bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Upload() error: %v", err)
	}
	if result.Path != "usage-reports/2026/03/08/r1.json" || result.Size != int64(len(data)) {
		t.Errorf("result = %+v", result)
	}
	if len(result.Checksum) != 64 {
		t.Errorf("Checksum length = %d, want 64", len(result.Checksum))
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.meta["usage-reports/2026/03/08/r1.json"]["sha256"] != result.Checksum {
		t.Errorf("sha256 metadata = %v", ms.meta)
	}
}

func TestS3_Upload_InvalidPath(t *testing.T) {
	s, _ := newS3TestStorage(t)
	if _, err := s.Upload(context.Background(), "../x.json", strings.NewReader("{}"), 2); !errors.Is(err, storage.ErrInvalidPath) {
		t.Errorf("err = %v, want ErrInvalidPath", err)
	}
}

func TestS3_Download(t *testing.T) {
	s, _ := newS3TestStorage(t)
	ctx := context.Background()

	want := []byte(`{"rows":[]}`)
	if _, err := s.Upload(ctx, "usage-reports/dl.json", bytes.NewReader(want), int64(len(want))); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	rc, err := s.Download(ctx, "usage-reports/dl.json")
	if err != nil {
		t.Fatalf("Download() error: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if !bytes.Equal(got, want) {
		t.Errorf("Download content = %q, want %q", got, want)
	}
}

func TestS3_Download_NotFound(t *testing.T) {
	s, _ := newS3TestStorage(t)
	_, err := s.Download(context.Background(), "usage-reports/missing.json")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Download() err = %v, want ErrNotFound", err)
	}
}

// ---------------------------------------------------------------------------
// Exists
// ---------------------------------------------------------------------------

func TestS3_Exists(t *testing.T) {
	s, _ := newS3TestStorage(t)
	ctx := context.Background()

	ok, err := s.Exists(ctx, "ghost.json")
	if err != nil || ok {
		t.Errorf("Exists(ghost) = %v, %v; want false, nil", ok, err)
	}

	if _, err := s.Upload(ctx, "here.json", strings.NewReader("{}"), 2); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	ok, err = s.Exists(ctx, "here.json")
	if err != nil || !ok {
		t.Errorf("Exists(here) = %v, %v; want true, nil", ok, err)
	}
}

// ---------------------------------------------------------------------------
// List
// ---------------------------------------------------------------------------

func TestS3_List(t *testing.T) {
	s, _ := newS3TestStorage(t)
	ctx := context.Background()
	for _, p := range []string{
		"usage-reports/2026/03/08/a.json",
		"usage-reports/2026/03/08/bb.json",
		"usage-reports/2026/03/09/c.json",
	} {
		if _, err := s.Upload(ctx, p, strings.NewReader(p), int64(len(p))); err != nil {
			t.Fatalf("Upload(%s): %v", p, err)
		}
	}

	objs, err := s.List(ctx, "usage-reports/2026/03/08/")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(objs) != 2 {
		t.Fatalf("List() returned %d objects, want 2", len(objs))
	}
	if objs[0].Path != "usage-reports/2026/03/08/a.json" || objs[1].Path != "usage-reports/2026/03/08/bb.json" {
		t.Errorf("List() not sorted: %+v", objs)
	}
	if objs[1].Size != int64(len("usage-reports/2026/03/08/bb.json")) {
		t.Errorf("Size = %d", objs[1].Size)
	}
	if objs[0].LastModified.IsZero() {
		t.Error("LastModified not populated")
	}
}
