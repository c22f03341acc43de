package hopsworks

import (
	"context"
	"fmt"
	"time"

	"github.com/mlplatform/console-backend/internal/crypto"
	"github.com/mlplatform/console-backend/internal/db/models"
)

// API is the subset of cluster operations the services depend on.
type API interface {
	CreateOAuthUser(ctx context.Context, req CreateUserRequest) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	SetMaxProjects(ctx context.Context, userID int64, maxProjects int) error
	SetStatus(ctx context.Context, userID int64, status int) error
	ListUserProjects(ctx context.Context, username string) ([]Project, error)
	AddProjectMember(ctx context.Context, projectID int64, email, role string) error
}

// Connector builds clients for stored clusters.
type Connector interface {
	ForCluster(cluster *models.Cluster) (API, error)
}

// Factory opens cluster API keys with the configured cipher and builds a Client.
type Factory struct {
	cipher  *crypto.TokenCipher
	timeout time.Duration
}

// NewFactory returns a Factory. cipher must be the one used to seal cluster keys.
func NewFactory(cipher *crypto.TokenCipher, timeout time.Duration) *Factory {
	return &Factory{cipher: cipher, timeout: timeout}
}

// ForCluster returns a client for cluster.
func (f *Factory) ForCluster(cluster *models.Cluster) (API, error) {
	if cluster == nil {
		return nil, fmt.Errorf("hopsworks: nil cluster")
	}
	apiKey, err := f.cipher.Open(cluster.APIKeyEncrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to open API key for cluster %s: %w", cluster.ID, err)
	}
	return NewClient(Config{
		BaseURL:   cluster.APIURL,
		APIKey:    apiKey,
		VerifyTLS: cluster.VerifyTLS,
		Timeout:   f.timeout,
	})
}
