package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mlplatform/console-backend/internal/db/models"
	"github.com/mlplatform/console-backend/internal/hopsworks"
)

// backendResolver finds the cluster client that serves a user.
type backendResolver struct {
	assignments AssignmentStore
	clusters    ClusterStore
	connector   hopsworks.Connector
}

// forUser returns the client for the user's cluster and the assignment row.
// ErrNotAssigned is returned when the user has no assignment.
func (r backendResolver) forUser(ctx context.Context, userID string) (hopsworks.API, *models.Assignment, error) {
	a, err := r.assignments.GetByUserID(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load assignment: %w", err)
	}
	if a == nil {
		return nil, nil, ErrNotAssigned
	}
	cluster, err := r.clusters.GetByID(ctx, a.ClusterID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load cluster: %w", err)
	}
	if cluster == nil {
		return nil, nil, fmt.Errorf("cluster %s not found", a.ClusterID)
	}
	api, err := r.connector.ForCluster(cluster)
	if err != nil {
		return nil, nil, err
	}
	return api, a, nil
}

// externalID prefers the assignment's copy of the backend user id.
func externalID(u *models.User, a *models.Assignment) (int64, bool) {
	if a != nil && a.HopsworksUserID != nil {
		return *a.HopsworksUserID, true
	}
	if u != nil && u.HopsworksUserID != nil {
		return *u.HopsworksUserID, true
	}
	return 0, false
}

// splitName turns a display name into first and last name, falling back to the
// local part of the email.
func splitName(name, email string) (string, string) {
	fields := strings.Fields(name)
	switch len(fields) {
	case 0:
		local, _, _ := strings.Cut(email, "@")
		return local, ""
	case 1:
		return fields[0], ""
	}
	return fields[0], strings.Join(fields[1:], " ")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
