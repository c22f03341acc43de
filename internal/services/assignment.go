package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mlplatform/console-backend/internal/capacity"
	"github.com/mlplatform/console-backend/internal/db/models"
	"github.com/mlplatform/console-backend/internal/db/repositories"
	"github.com/mlplatform/console-backend/internal/hopsworks"
	"github.com/mlplatform/console-backend/internal/quota"
	"github.com/mlplatform/console-backend/internal/telemetry"
)

// AssignmentOptions tunes backend account creation.
type AssignmentOptions struct {
	CreateAttempts int
	CreateBackoff  time.Duration
	// OIDCClientID is sent with new backend accounts so they log in through the same IdP.
	OIDCClientID string
}

// AssignmentResult describes the outcome of AssignUserToCluster. Warnings lists the
// non-fatal steps that failed and were queued for repair.
type AssignmentResult struct {
	Assignment      *models.Assignment `json:"assignment"`
	AlreadyAssigned bool               `json:"already_assigned"`
	Warnings        []string           `json:"warnings,omitempty"`
}

// AssignmentService places users on backend clusters and keeps their backend
// account's quota in step with their billing state.
type AssignmentService struct {
	users    UserStore
	backend  backendResolver
	failures FailureRecorder
	opts     AssignmentOptions
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewAssignmentService creates the service. Zero options fall back to 3 attempts
// starting at a one second backoff.
func NewAssignmentService(users UserStore, clusters ClusterStore, assignments AssignmentStore,
	connector hopsworks.Connector, failures FailureRecorder, opts AssignmentOptions) *AssignmentService {
	if opts.CreateAttempts <= 0 {
		opts.CreateAttempts = 3
	}
	if opts.CreateBackoff <= 0 {
		opts.CreateBackoff = time.Second
	}
	return &AssignmentService{
		users:    users,
		backend:  backendResolver{assignments: assignments, clusters: clusters, connector: connector},
		failures: failures,
		opts:     opts,
		sleep:    sleepContext,
	}
}

// AssignUserToCluster gives the user a cluster and a backend account. It is
// idempotent: an existing assignment short-circuits to success.
//
// Only the cluster choice and the assignment row are fatal. Backend account
// creation and the quota push degrade to health check failures that the repair
// queue retries.
func (s *AssignmentService) AssignUserToCluster(ctx context.Context, userID string) (*AssignmentResult, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	existing, err := s.backend.assignments.GetByUserID(ctx, userID)
	if err != nil {
		telemetry.ClusterAssignmentsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to check assignment: %w", err)
	}
	if existing != nil {
		telemetry.ClusterAssignmentsTotal.WithLabelValues("already_assigned").Inc()
		return &AssignmentResult{Assignment: existing, AlreadyAssigned: true}, nil
	}

	cluster, err := s.pickCluster(ctx, user)
	if err != nil {
		return nil, err
	}

	if err := s.backend.clusters.IncrementUsers(ctx, cluster.ID); err != nil {
		telemetry.ClusterAssignmentsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to reserve cluster slot: %w", err)
	}

	a := &models.Assignment{UserID: user.ID, ClusterID: cluster.ID}
	if err := s.backend.assignments.Create(ctx, a); err != nil {
		s.releaseSlot(ctx, cluster.ID)
		if errors.Is(err, repositories.ErrDuplicate) {
			// A concurrent request assigned the user first.
			winner, getErr := s.backend.assignments.GetByUserID(ctx, userID)
			if getErr != nil {
				return nil, fmt.Errorf("failed to load concurrent assignment: %w", getErr)
			}
			telemetry.ClusterAssignmentsTotal.WithLabelValues("already_assigned").Inc()
			return &AssignmentResult{Assignment: winner, AlreadyAssigned: true}, nil
		}
		telemetry.ClusterAssignmentsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to create assignment: %w", err)
	}

	telemetry.ClusterAssignmentsTotal.WithLabelValues("assigned").Inc()
	slog.Info("user assigned to cluster", "user_id", user.ID, "cluster_id", cluster.ID, "cluster", cluster.Name)

	result := &AssignmentResult{Assignment: a}
	result.Warnings = s.provision(ctx, user, a, cluster)
	return result, nil
}

// pickCluster chooses where the user goes. Team members join their owner's cluster
// so they can reach the owner's projects; everyone else gets the least-loaded one.
func (s *AssignmentService) pickCluster(ctx context.Context, user *models.User) (*models.Cluster, error) {
	if m, ok := user.Ownership().(models.TeamMember); ok {
		ownerAssignment, err := s.backend.assignments.GetByUserID(ctx, m.OwnerID)
		if err != nil {
			return nil, fmt.Errorf("failed to load owner assignment: %w", err)
		}
		if ownerAssignment != nil {
			cluster, err := s.backend.clusters.GetByID(ctx, ownerAssignment.ClusterID)
			if err != nil {
				return nil, fmt.Errorf("failed to load owner cluster: %w", err)
			}
			if cluster != nil && cluster.Status == models.ClusterStatusActive {
				if cluster.MaxUsers > 0 && cluster.CurrentUsers >= cluster.MaxUsers {
					// Members still follow the owner; the overflow is surfaced for operators.
					slog.Warn("team member placed on full cluster", "user_id", user.ID, "owner_id", m.OwnerID,
						"cluster_id", cluster.ID, "current_users", cluster.CurrentUsers, "max_users", cluster.MaxUsers)
					recordFailure(ctx, s.failures, &models.HealthCheckFailure{
						UserID:       strPtr(user.ID),
						Email:        strPtr(user.Email),
						CheckType:    models.CheckTeamClusterFull,
						ErrorMessage: "owner's cluster is at max_users",
						Severity:     models.SeverityMedium,
						Details: map[string]interface{}{
							"cluster_id":    cluster.ID,
							"owner_id":      m.OwnerID,
							"current_users": cluster.CurrentUsers,
							"max_users":     cluster.MaxUsers,
						},
					})
				}
				return cluster, nil
			}
		}
	}

	active, err := s.backend.clusters.ListActive(ctx)
	if err != nil {
		telemetry.ClusterAssignmentsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to list clusters: %w", err)
	}
	snapshot := make([]capacity.ClusterCapacity, len(active))
	for i, c := range active {
		snapshot[i] = capacity.ClusterCapacity{ID: c.ID, Name: c.Name, CurrentUsers: c.CurrentUsers, MaxUsers: c.MaxUsers}
	}

	chosen := capacity.SelectCluster(snapshot)
	if chosen == nil {
		telemetry.ClusterAssignmentsTotal.WithLabelValues("no_capacity").Inc()
		slog.Warn("no cluster capacity available", "user_id", user.ID, "active_clusters", len(active))
		recordFailure(ctx, s.failures, &models.HealthCheckFailure{
			UserID:       strPtr(user.ID),
			Email:        strPtr(user.Email),
			CheckType:    models.CheckNoCapacity,
			ErrorMessage: ErrNoCapacity.Error(),
			Severity:     models.SeverityHigh,
			Details:      map[string]interface{}{"active_clusters": len(active)},
		})
		return nil, ErrNoCapacity
	}
	for i := range active {
		if active[i].ID == chosen.ID {
			return &active[i], nil
		}
	}
	return nil, fmt.Errorf("selected cluster %s missing from snapshot", chosen.ID)
}

func (s *AssignmentService) releaseSlot(ctx context.Context, clusterID string) {
	if err := s.backend.clusters.DecrementUsers(ctx, clusterID); err != nil {
		slog.Error("failed to release cluster slot", "cluster_id", clusterID, "error", err)
	}
}

// provision creates the backend account, stores its id and pushes the quota.
// Failures are recorded and returned as warnings.
func (s *AssignmentService) provision(ctx context.Context, user *models.User, a *models.Assignment, cluster *models.Cluster) []string {
	var warnings []string
	fail := func(check, severity string, err error, details map[string]interface{}) {
		slog.Error("backend provisioning step failed", "user_id", user.ID, "cluster_id", cluster.ID, "check", check, "error", err)
		if details == nil {
			details = map[string]interface{}{}
		}
		details["cluster_id"] = cluster.ID
		recordFailure(ctx, s.failures, &models.HealthCheckFailure{
			UserID:       strPtr(user.ID),
			Email:        strPtr(user.Email),
			CheckType:    check,
			ErrorMessage: err.Error(),
			Severity:     severity,
			Details:      details,
		})
		warnings = append(warnings, fmt.Sprintf("%s: %v", check, err))
	}

	api, err := s.backend.connector.ForCluster(cluster)
	if err != nil {
		fail(models.CheckHopsworksUserCreate, models.SeverityHigh, err, nil)
		return warnings
	}

	hwUser, err := s.createBackendUser(ctx, api, user)
	if err != nil {
		fail(models.CheckHopsworksUserCreate, models.SeverityHigh, err, nil)
		return warnings
	}

	if err := s.persistIdentity(ctx, user.ID, hwUser); err != nil {
		fail(models.CheckHopsworksUserCreate, models.SeverityHigh, err,
			map[string]interface{}{"hopsworks_user_id": hwUser.ID})
		return warnings
	}
	a.HopsworksUserID = &hwUser.ID
	a.HopsworksUsername = &hwUser.Username

	limit := quota.ForUser(user)
	if err := api.SetMaxProjects(ctx, hwUser.ID, limit); err != nil {
		fail(models.CheckQuotaSync, models.SeverityMedium, err, map[string]interface{}{
			"hopsworks_user_id":     hwUser.ID,
			"expected_max_projects": limit,
		})
	}
	return warnings
}

// createBackendUser creates the OAuth-linked account with a doubling backoff.
// An account that already exists counts as success; non-retryable errors stop at once.
func (s *AssignmentService) createBackendUser(ctx context.Context, api hopsworks.API, user *models.User) (*hopsworks.User, error) {
	first, last := splitName(user.Name, user.Email)
	req := hopsworks.CreateUserRequest{
		Email:          user.Email,
		FirstName:      first,
		LastName:       last,
		Subject:        user.ID,
		ClientID:       s.opts.OIDCClientID,
		MaxNumProjects: quota.ForUser(user),
		Status:         hopsworks.StatusActivated,
	}

	delay := s.opts.CreateBackoff
	var lastErr error
	for attempt := 1; attempt <= s.opts.CreateAttempts; attempt++ {
		created, err := api.CreateOAuthUser(ctx, req)
		if err == nil {
			return created, nil
		}
		if errors.Is(err, hopsworks.ErrAlreadyExists) {
			found, getErr := api.GetUserByEmail(ctx, user.Email)
			if getErr != nil {
				return nil, fmt.Errorf("backend user exists but lookup failed: %w", getErr)
			}
			return found, nil
		}
		if !hopsworks.Retryable(err) {
			return nil, fmt.Errorf("create backend user: %w", err)
		}
		lastErr = err
		if attempt == s.opts.CreateAttempts {
			break
		}
		slog.Warn("retrying backend user creation", "user_id", user.ID, "attempt", attempt, "delay", delay, "error", err)
		if err := s.sleep(ctx, delay); err != nil {
			return nil, err
		}
		delay *= 2
	}
	return nil, fmt.Errorf("create backend user after %d attempts: %w", s.opts.CreateAttempts, lastErr)
}

// persistIdentity writes the backend id to users and assignments. The integrity
// check flags any row where the two disagree.
func (s *AssignmentService) persistIdentity(ctx context.Context, userID string, hwUser *hopsworks.User) error {
	if err := s.users.SetHopsworksIdentity(ctx, userID, hwUser.Username, hwUser.ID); err != nil {
		return fmt.Errorf("failed to store backend identity on user: %w", err)
	}
	if err := s.backend.assignments.SetHopsworksIdentity(ctx, userID, hwUser.Username, hwUser.ID); err != nil {
		return fmt.Errorf("failed to store backend identity on assignment: %w", err)
	}
	return nil
}

// EnsureBackendUser re-runs account creation for an assigned user and pushes the
// quota. The repair queue calls it for failed creations.
func (s *AssignmentService) EnsureBackendUser(ctx context.Context, userID string) error {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		return ErrUserNotFound
	}
	api, _, err := s.backend.forUser(ctx, userID)
	if err != nil {
		return err
	}
	hwUser, err := s.createBackendUser(ctx, api, user)
	if err != nil {
		return err
	}
	if err := s.persistIdentity(ctx, userID, hwUser); err != nil {
		return err
	}
	return api.SetMaxProjects(ctx, hwUser.ID, quota.ForUser(user))
}

// SyncQuota recomputes the user's project limit and pushes it to their cluster.
// A failed push is recorded for repair. It returns the computed limit.
func (s *AssignmentService) SyncQuota(ctx context.Context, userID string) (int, error) {
	return s.syncQuota(ctx, userID, true)
}

// RetryQuota is SyncQuota without recording a new failure on error.
func (s *AssignmentService) RetryQuota(ctx context.Context, userID string) error {
	_, err := s.syncQuota(ctx, userID, false)
	return err
}

func (s *AssignmentService) syncQuota(ctx context.Context, userID string, record bool) (int, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		return 0, ErrUserNotFound
	}
	limit := quota.ForUser(user)

	api, a, err := s.backend.forUser(ctx, userID)
	if err != nil {
		return limit, err
	}
	id, ok := externalID(user, a)
	if !ok {
		return limit, fmt.Errorf("%w: backend account not provisioned", ErrNotAssigned)
	}

	if err := api.SetMaxProjects(ctx, id, limit); err != nil {
		slog.Error("failed to push project quota", "user_id", userID, "max_projects", limit, "error", err)
		if record {
			recordFailure(ctx, s.failures, &models.HealthCheckFailure{
				UserID:       strPtr(user.ID),
				Email:        strPtr(user.Email),
				CheckType:    models.CheckQuotaSync,
				ErrorMessage: err.Error(),
				Severity:     models.SeverityMedium,
				Details: map[string]interface{}{
					"cluster_id":            a.ClusterID,
					"hopsworks_user_id":     id,
					"expected_max_projects": limit,
				},
			})
		}
		return limit, fmt.Errorf("failed to push quota: %w", err)
	}
	slog.Info("project quota synced", "user_id", userID, "max_projects", limit)
	return limit, nil
}

// CountProjects returns how many projects the user owns on their cluster.
// Unassigned or unprovisioned users own none.
func (s *AssignmentService) CountProjects(ctx context.Context, userID string) (int, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		return 0, ErrUserNotFound
	}
	projects, err := s.ListProjects(ctx, user)
	if errors.Is(err, ErrNotAssigned) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return len(projects), nil
}

// ListProjects lists the projects owned by user on their cluster.
func (s *AssignmentService) ListProjects(ctx context.Context, user *models.User) ([]hopsworks.Project, error) {
	api, a, err := s.backend.forUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	username := a.HopsworksUsername
	if username == nil {
		username = user.HopsworksUsername
	}
	if username == nil || *username == "" {
		return nil, fmt.Errorf("%w: backend account not provisioned", ErrNotAssigned)
	}
	projects, err := api.ListUserProjects(ctx, *username)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return projects, nil
}
