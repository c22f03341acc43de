package admin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mlplatform/console-backend/internal/db/models"
	"github.com/mlplatform/console-backend/internal/db/repositories"
)

type fakeClusterStore struct {
	clusters  map[string]*models.Cluster
	createErr error
}

func (f *fakeClusterStore) Create(_ context.Context, c *models.Cluster) error {
	if f.createErr != nil {
		return f.createErr
	}
	c.ID = "c-new"
	f.clusters[c.ID] = c
	return nil
}

func (f *fakeClusterStore) Update(_ context.Context, c *models.Cluster) error {
	f.clusters[c.ID] = c
	return nil
}

func (f *fakeClusterStore) GetByID(_ context.Context, id string) (*models.Cluster, error) {
	return f.clusters[id], nil
}

func (f *fakeClusterStore) List(context.Context) ([]models.Cluster, error) {
	var out []models.Cluster
	for _, c := range f.clusters {
		out = append(out, *c)
	}
	return out, nil
}

type prefixSealer struct{ err error }

func (s prefixSealer) Seal(plaintext string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "sealed:" + plaintext, nil
}

func newClusterRouter(store *fakeClusterStore, sealer Sealer) *gin.Engine {
	h := NewClusterHandlers(store, sealer)
	r := gin.New()
	r.GET("/clusters", h.ListClustersHandler())
	r.POST("/clusters", h.CreateClusterHandler())
	r.PUT("/clusters/:id", h.UpdateClusterHandler())
	return r
}

func TestCreateClusterHandler_SealsKey(t *testing.T) {
	store := &fakeClusterStore{clusters: map[string]*models.Cluster{}}
	r := newClusterRouter(store, prefixSealer{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/clusters", jsonBody(map[string]interface{}{
		"name": "eu-west-1", "api_url": "https://eu.example.com/", "api_key": "plain-key", "max_users": 50,
	})))

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: body=%s", w.Code, w.Body.String())
	}
	stored := store.clusters["c-new"]
	if stored == nil {
		t.Fatal("cluster not stored")
	}
	if stored.APIKeyEncrypted != "sealed:plain-key" {
		t.Errorf("APIKeyEncrypted = %q", stored.APIKeyEncrypted)
	}
	if stored.APIURL != "https://eu.example.com" {
		t.Errorf("APIURL = %q, want trailing slash trimmed", stored.APIURL)
	}
	if stored.MaxUsers != 50 || stored.Status != models.ClusterStatusActive || !stored.VerifyTLS {
		t.Errorf("unexpected defaults: %+v", stored)
	}
	if strings.Contains(w.Body.String(), "plain-key") || strings.Contains(w.Body.String(), "sealed:") {
		t.Error("response must not expose the API key")
	}
}

func TestCreateClusterHandler_Validation(t *testing.T) {
	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing key", map[string]interface{}{"name": "a", "api_url": "https://a.example"}},
		{"relative url", map[string]interface{}{"name": "a", "api_url": "a.example", "api_key": "k"}},
		{"bad status", map[string]interface{}{"name": "a", "api_url": "https://a.example", "api_key": "k", "status": "broken"}},
		{"zero capacity", map[string]interface{}{"name": "a", "api_url": "https://a.example", "api_key": "k", "max_users": 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newClusterRouter(&fakeClusterStore{clusters: map[string]*models.Cluster{}}, prefixSealer{})
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest("POST", "/clusters", jsonBody(tt.body)))
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestCreateClusterHandler_Duplicate(t *testing.T) {
	store := &fakeClusterStore{clusters: map[string]*models.Cluster{}, createErr: repositories.ErrDuplicate}
	r := newClusterRouter(store, prefixSealer{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/clusters", jsonBody(map[string]interface{}{
		"name": "eu", "api_url": "https://eu.example.com", "api_key": "k",
	})))
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestCreateClusterHandler_SealError(t *testing.T) {
	r := newClusterRouter(&fakeClusterStore{clusters: map[string]*models.Cluster{}}, prefixSealer{err: errors.New("no key")})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/clusters", jsonBody(map[string]interface{}{
		"name": "eu", "api_url": "https://eu.example.com", "api_key": "k",
	})))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestUpdateClusterHandler_KeepsKeyAndCounter(t *testing.T) {
	store := &fakeClusterStore{clusters: map[string]*models.Cluster{
		"c1": {ID: "c1", Name: "eu", APIURL: "https://eu.example.com", APIKeyEncrypted: "sealed:old",
			CurrentUsers: 7, MaxUsers: 10, Status: models.ClusterStatusActive},
	}}
	r := newClusterRouter(store, prefixSealer{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("PUT", "/clusters/c1", jsonBody(map[string]interface{}{
		"status": "maintenance", "max_users": 20,
	})))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: body=%s", w.Code, w.Body.String())
	}
	c := store.clusters["c1"]
	if c.Status != models.ClusterStatusMaintenance || c.MaxUsers != 20 {
		t.Errorf("cluster = %+v", c)
	}
	if c.APIKeyEncrypted != "sealed:old" || c.CurrentUsers != 7 {
		t.Errorf("key or counter changed: %+v", c)
	}
}

func TestUpdateClusterHandler_NotFound(t *testing.T) {
	r := newClusterRouter(&fakeClusterStore{clusters: map[string]*models.Cluster{}}, prefixSealer{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("PUT", "/clusters/missing", jsonBody(map[string]interface{}{"status": "full"})))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestListClustersHandler_Empty(t *testing.T) {
	r := newClusterRouter(&fakeClusterStore{clusters: map[string]*models.Cluster{}}, prefixSealer{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/clusters", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if clusters, ok := getJSON(w)["clusters"].([]interface{}); !ok || len(clusters) != 0 {
		t.Errorf("clusters = %v, want empty array", getJSON(w)["clusters"])
	}
}
