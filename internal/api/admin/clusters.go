// clusters.go implements the operator endpoints for registering and editing backend clusters.
package admin

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mlplatform/console-backend/internal/api/respond"
	"github.com/mlplatform/console-backend/internal/db/models"
	"github.com/mlplatform/console-backend/internal/db/repositories"
)

// ClusterStore persists clusters. repositories.ClusterRepository satisfies it.
type ClusterStore interface {
	Create(ctx context.Context, c *models.Cluster) error
	Update(ctx context.Context, c *models.Cluster) error
	GetByID(ctx context.Context, id string) (*models.Cluster, error)
	List(ctx context.Context) ([]models.Cluster, error)
}

// Sealer encrypts secrets at rest. crypto.TokenCipher satisfies it.
type Sealer interface {
	Seal(plaintext string) (string, error)
}

// ClusterHandlers handles cluster management endpoints
type ClusterHandlers struct {
	clusters ClusterStore
	cipher   Sealer
}

// NewClusterHandlers creates a new ClusterHandlers instance
func NewClusterHandlers(clusters ClusterStore, cipher Sealer) *ClusterHandlers {
	return &ClusterHandlers{clusters: clusters, cipher: cipher}
}

// ClusterRequest is the body of the create and update routes. On update every
// field is optional and an empty api_key keeps the stored key.
type ClusterRequest struct {
	Name      string               `json:"name"`
	APIURL    string               `json:"api_url"`
	APIKey    string               `json:"api_key"`
	MaxUsers  *int                 `json:"max_users"`
	Status    models.ClusterStatus `json:"status"`
	VerifyTLS *bool                `json:"verify_tls"`
}

func validAPIURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}

// apply copies the request onto c, sealing a new API key.
func (h *ClusterHandlers) apply(c *models.Cluster, req *ClusterRequest) (string, error) {
	if req.Name != "" {
		c.Name = strings.TrimSpace(req.Name)
	}
	if req.APIURL != "" {
		if !validAPIURL(req.APIURL) {
			return "api_url must be an absolute http(s) URL", nil
		}
		c.APIURL = strings.TrimRight(req.APIURL, "/")
	}
	if req.MaxUsers != nil {
		if *req.MaxUsers < 1 {
			return "max_users must be at least 1", nil
		}
		c.MaxUsers = *req.MaxUsers
	}
	if req.Status != "" {
		if !req.Status.Valid() {
			return "status must be one of active, maintenance, full, inactive", nil
		}
		c.Status = req.Status
	}
	if req.VerifyTLS != nil {
		c.VerifyTLS = *req.VerifyTLS
	}
	if req.APIKey != "" {
		sealed, err := h.cipher.Seal(req.APIKey)
		if err != nil {
			return "", err
		}
		c.APIKeyEncrypted = sealed
	}
	return "", nil
}

// ListClustersHandler lists all clusters with their fill level
// GET /api/v1/admin/clusters
func (h *ClusterHandlers) ListClustersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clusters, err := h.clusters.List(c.Request.Context())
		if err != nil {
			respond.Error(c, http.StatusInternalServerError, "Failed to list clusters", err)
			return
		}
		if clusters == nil {
			clusters = []models.Cluster{}
		}
		c.JSON(http.StatusOK, gin.H{"clusters": clusters})
	}
}

// CreateClusterHandler registers a cluster
// POST /api/v1/admin/clusters
func (h *ClusterHandlers) CreateClusterHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ClusterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respond.Error(c, http.StatusBadRequest, "Invalid request body", nil)
			return
		}
		if req.Name == "" || req.APIURL == "" || req.APIKey == "" {
			respond.Error(c, http.StatusBadRequest, "name, api_url and api_key are required", nil)
			return
		}

		cluster := &models.Cluster{MaxUsers: 100, Status: models.ClusterStatusActive, VerifyTLS: true}
		msg, err := h.apply(cluster, &req)
		if err != nil {
			respond.Error(c, http.StatusInternalServerError, "Failed to encrypt API key", err)
			return
		}
		if msg != "" {
			respond.Error(c, http.StatusBadRequest, msg, nil)
			return
		}

		if err := h.clusters.Create(c.Request.Context(), cluster); err != nil {
			if errors.Is(err, repositories.ErrDuplicate) {
				respond.Error(c, http.StatusConflict, "A cluster with this name already exists", nil)
				return
			}
			respond.Error(c, http.StatusInternalServerError, "Failed to create cluster", err)
			return
		}
		c.JSON(http.StatusCreated, cluster)
	}
}

// UpdateClusterHandler edits a cluster. The user counter cannot be changed here.
// PUT /api/v1/admin/clusters/:id
func (h *ClusterHandlers) UpdateClusterHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ClusterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respond.Error(c, http.StatusBadRequest, "Invalid request body", nil)
			return
		}

		ctx := c.Request.Context()
		cluster, err := h.clusters.GetByID(ctx, c.Param("id"))
		if err != nil {
			respond.Error(c, http.StatusInternalServerError, "Failed to load cluster", err)
			return
		}
		if cluster == nil {
			respond.Error(c, http.StatusNotFound, "Cluster not found", nil)
			return
		}

		msg, err := h.apply(cluster, &req)
		if err != nil {
			respond.Error(c, http.StatusInternalServerError, "Failed to encrypt API key", err)
			return
		}
		if msg != "" {
			respond.Error(c, http.StatusBadRequest, msg, nil)
			return
		}
		if err := h.clusters.Update(ctx, cluster); err != nil {
			respond.Error(c, http.StatusInternalServerError, "Failed to update cluster", err)
			return
		}
		c.JSON(http.StatusOK, cluster)
	}
}
