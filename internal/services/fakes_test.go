package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mlplatform/console-backend/internal/alerts"
	"github.com/mlplatform/console-backend/internal/db/models"
	"github.com/mlplatform/console-backend/internal/db/repositories"
	"github.com/mlplatform/console-backend/internal/hopsworks"
	"github.com/mlplatform/console-backend/internal/payments"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Stores
// ---------------------------------------------------------------------------

type fakeUsers struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func newFakeUsers(users ...*models.User) *fakeUsers {
	f := &fakeUsers{users: make(map[string]*models.User)}
	for _, u := range users {
		if u.Status == "" {
			u.Status = models.UserStatusActive
		}
		f.users[u.ID] = u
	}
	return f
}

func (f *fakeUsers) add(u *models.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u.Status == "" {
		u.Status = models.UserStatusActive
	}
	f.users[u.ID] = u
	return nil
}

func (f *fakeUsers) get(id string) *models.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.users[id]
	if u == nil {
		return nil
	}
	cp := *u
	return &cp
}

func (f *fakeUsers) GetUserByID(_ context.Context, id string) (*models.User, error) {
	return f.get(id), nil
}

func (f *fakeUsers) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeUsers) GetUserByStripeCustomerID(_ context.Context, customerID string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.StripeCustomerID != nil && *u.StripeCustomerID == customerID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeUsers) UpsertTeamMember(_ context.Context, id, email, name, ownerID string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		u = &models.User{ID: id, Email: email, Name: name}
		f.users[id] = u
	}
	u.AccountOwnerID = &ownerID
	u.BillingMode = models.BillingModePostpaid
	u.Status = models.UserStatusActive
	cp := *u
	return &cp, nil
}

func (f *fakeUsers) UpdateStatus(_ context.Context, id string, status models.UserStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[id]; ok {
		u.Status = status
	}
	return nil
}

func (f *fakeUsers) updateMembers(ownerID string, match func(*models.User) bool, status models.UserStatus) []*models.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.User
	for _, u := range f.users {
		if u.AccountOwnerID != nil && *u.AccountOwnerID == ownerID && match(u) {
			u.Status = status
			cp := *u
			out = append(out, &cp)
		}
	}
	return out
}

func (f *fakeUsers) SuspendTeamMembers(_ context.Context, ownerID string) ([]*models.User, error) {
	return f.updateMembers(ownerID, func(u *models.User) bool { return u.Status != models.UserStatusDeleted }, models.UserStatusSuspended), nil
}

func (f *fakeUsers) ReactivateTeamMembers(_ context.Context, ownerID string) ([]*models.User, error) {
	return f.updateMembers(ownerID, func(u *models.User) bool { return u.Status == models.UserStatusSuspended }, models.UserStatusActive), nil
}

func (f *fakeUsers) SetHopsworksIdentity(_ context.Context, id, username string, externalID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[id]; ok {
		u.HopsworksUsername = &username
		u.HopsworksUserID = &externalID
	}
	return nil
}

func (f *fakeUsers) SetStripeCustomer(_ context.Context, id, customerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[id]; ok {
		u.StripeCustomerID = &customerID
	}
	return nil
}

func (f *fakeUsers) SetSubscription(_ context.Context, id string, subscriptionID, status *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[id]; ok {
		u.StripeSubscriptionID = subscriptionID
		u.StripeSubscriptionStatus = status
	}
	return nil
}

func (f *fakeUsers) SetBillingMode(_ context.Context, id string, mode models.BillingMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[id]; ok {
		u.BillingMode = mode
	}
	return nil
}

func (f *fakeUsers) SetDowngradeDeadlineIfUnset(_ context.Context, id string, deadline time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return false, nil
	}
	if u.DowngradeDeadline != nil && u.DowngradeDeadline.After(time.Now()) {
		return false, nil
	}
	u.DowngradeDeadline = &deadline
	return true, nil
}

func (f *fakeUsers) ClearDowngradeDeadline(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[id]; ok {
		u.DowngradeDeadline = nil
	}
	return nil
}

type fakeClusters struct {
	mu       sync.Mutex
	clusters map[string]*models.Cluster
	order    []string
}

func newFakeClusters(clusters ...*models.Cluster) *fakeClusters {
	f := &fakeClusters{clusters: make(map[string]*models.Cluster)}
	for _, c := range clusters {
		if c.Status == "" {
			c.Status = models.ClusterStatusActive
		}
		f.clusters[c.ID] = c
		f.order = append(f.order, c.ID)
	}
	return f
}

func (f *fakeClusters) users(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clusters[id].CurrentUsers
}

func (f *fakeClusters) GetByID(_ context.Context, id string) (*models.Cluster, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clusters[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeClusters) ListActive(_ context.Context) ([]models.Cluster, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Cluster
	for _, id := range f.order {
		if c := f.clusters[id]; c.Status == models.ClusterStatusActive {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeClusters) IncrementUsers(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clusters[id]
	if !ok {
		return fmt.Errorf("cluster %s not found", id)
	}
	c.CurrentUsers++
	return nil
}

func (f *fakeClusters) DecrementUsers(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clusters[id]
	if !ok {
		return fmt.Errorf("cluster %s not found", id)
	}
	if c.CurrentUsers > 0 {
		c.CurrentUsers--
	}
	return nil
}

type fakeAssignments struct {
	mu   sync.Mutex
	rows map[string]*models.Assignment
	// beforeCreate runs inside Create, before the uniqueness check.
	beforeCreate func(a *models.Assignment)
}

func newFakeAssignments(rows ...*models.Assignment) *fakeAssignments {
	f := &fakeAssignments{rows: make(map[string]*models.Assignment)}
	for _, a := range rows {
		f.rows[a.UserID] = a
	}
	return f
}

func (f *fakeAssignments) GetByUserID(_ context.Context, userID string) (*models.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.rows[userID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAssignments) Create(_ context.Context, a *models.Assignment) error {
	if f.beforeCreate != nil {
		f.beforeCreate(a)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[a.UserID]; ok {
		return repositories.ErrDuplicate
	}
	a.ID = "asg-" + a.UserID
	cp := *a
	f.rows[a.UserID] = &cp
	return nil
}

func (f *fakeAssignments) SetHopsworksIdentity(_ context.Context, userID, username string, externalID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.rows[userID]; ok {
		a.HopsworksUsername = &username
		a.HopsworksUserID = &externalID
	}
	return nil
}

type fakeInvites struct {
	mu      sync.Mutex
	invites map[string]*models.TeamInvite
}

func newFakeInvites(invites ...*models.TeamInvite) *fakeInvites {
	f := &fakeInvites{invites: make(map[string]*models.TeamInvite)}
	for _, inv := range invites {
		f.invites[inv.ID] = inv
	}
	return f
}

func (f *fakeInvites) byToken(token string) *models.TeamInvite {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, inv := range f.invites {
		if inv.Token == token {
			cp := *inv
			return &cp
		}
	}
	return nil
}

func (f *fakeInvites) Create(_ context.Context, inv *models.TeamInvite) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, other := range f.invites {
		if other.AccountOwnerID == inv.AccountOwnerID && other.Email == inv.Email && other.AcceptedAt == nil {
			return repositories.ErrDuplicate
		}
	}
	inv.ID = fmt.Sprintf("inv-%d", len(f.invites)+1)
	cp := *inv
	f.invites[inv.ID] = &cp
	return nil
}

func (f *fakeInvites) FindPending(_ context.Context, ownerID, email string, now time.Time) (*models.TeamInvite, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, inv := range f.invites {
		if inv.AccountOwnerID == ownerID && inv.Email == email && inv.Pending(now) {
			cp := *inv
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeInvites) ListPending(_ context.Context, ownerID string, now time.Time) ([]models.TeamInvite, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.TeamInvite
	for _, inv := range f.invites {
		if inv.AccountOwnerID == ownerID && inv.Pending(now) {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (f *fakeInvites) DeleteExpired(_ context.Context, ownerID, email string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, inv := range f.invites {
		if inv.AccountOwnerID == ownerID && inv.Email == email && inv.AcceptedAt == nil && inv.Expired(now) {
			delete(f.invites, id)
		}
	}
	return nil
}

func (f *fakeInvites) Claim(_ context.Context, token, userID string, now time.Time) (*models.TeamInvite, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, inv := range f.invites {
		if inv.Token == token && inv.AcceptedAt == nil {
			at := now
			uid := userID
			inv.AcceptedAt = &at
			inv.AcceptedByUserID = &uid
			cp := *inv
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeInvites) ReleaseClaim(_ context.Context, id, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inv, ok := f.invites[id]; ok && inv.AcceptedByUserID != nil && *inv.AcceptedByUserID == userID {
		inv.AcceptedAt = nil
		inv.AcceptedByUserID = nil
	}
	return nil
}

func (f *fakeInvites) DeletePending(_ context.Context, id, ownerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invites[id]
	if !ok || inv.AccountOwnerID != ownerID || inv.AcceptedAt != nil {
		return false, nil
	}
	delete(f.invites, id)
	return true, nil
}

type fakeRoles struct {
	mu   sync.Mutex
	rows map[string]*models.ProjectMemberRole
}

func newFakeRoles() *fakeRoles {
	return &fakeRoles{rows: make(map[string]*models.ProjectMemberRole)}
}

func roleKey(memberID string, projectID int64) string {
	return fmt.Sprintf("%s/%d", memberID, projectID)
}

func (f *fakeRoles) Upsert(_ context.Context, role *models.ProjectMemberRole) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *role
	f.rows[roleKey(role.MemberID, role.ProjectID)] = &cp
	return nil
}

func (f *fakeRoles) Get(_ context.Context, memberID string, projectID int64) (*models.ProjectMemberRole, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[roleKey(memberID, projectID)]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRoles) MarkSynced(_ context.Context, memberID string, projectID int64, syncErr *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.rows[roleKey(memberID, projectID)]; ok {
		r.SyncedToHopsworks = syncErr == nil
		r.SyncError = syncErr
	}
	return nil
}

type fakeEvents struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeEvents() *fakeEvents { return &fakeEvents{seen: make(map[string]bool)} }

func (f *fakeEvents) MarkProcessed(_ context.Context, id, _ string, _ map[string]interface{}) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[id] {
		return false, nil
	}
	f.seen[id] = true
	return true, nil
}

type fakeFailures struct {
	mu   sync.Mutex
	rows []*models.HealthCheckFailure
}

func (f *fakeFailures) Record(_ context.Context, hf *models.HealthCheckFailure) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, hf)
	return nil
}

func (f *fakeFailures) checks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.rows {
		out = append(out, r.CheckType)
	}
	return out
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []*alerts.Alert
}

func (f *fakeAlerter) Ship(_ context.Context, a *alerts.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	sent      []string
	err       error
	lastToken string
}

func (f *fakeNotifier) record(kind, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, kind+":"+to)
	return nil
}

func (f *fakeNotifier) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if strings.HasPrefix(s, kind+":") {
			n++
		}
	}
	return n
}

func (f *fakeNotifier) SendInvite(_ context.Context, to, _, token string, _ time.Time) error {
	f.mu.Lock()
	f.lastToken = token
	f.mu.Unlock()
	return f.record("invite", to)
}

func (f *fakeNotifier) SendDowngradeNotice(_ context.Context, to, _ string, _ time.Time, _, _ int) error {
	return f.record("downgrade_notice", to)
}

func (f *fakeNotifier) SendDowngradeEnforced(_ context.Context, to, _ string, _ int) error {
	return f.record("downgrade_enforced", to)
}

func (f *fakeNotifier) SendPaymentFailed(_ context.Context, to, _ string, _ int64, _, _ string) error {
	return f.record("payment_failed", to)
}

func (f *fakeNotifier) SendSpendingAlert(_ context.Context, to, _ string, _ int, _, _ decimal.Decimal) error {
	return f.record("spending_alert", to)
}

// ---------------------------------------------------------------------------
// Backend cluster
// ---------------------------------------------------------------------------

type fakeBackend struct {
	mu        sync.Mutex
	nextID    int64
	users     map[string]*hopsworks.User
	projects  map[string][]hopsworks.Project
	members   map[int64][]string
	quotas    map[int64]int
	statuses  map[int64]int
	createErr []error
	creates   int
	quotaErr  error
	statusErr error
	listErr   error
	memberErr map[int64]error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		nextID:    100,
		users:     make(map[string]*hopsworks.User),
		projects:  make(map[string][]hopsworks.Project),
		members:   make(map[int64][]string),
		quotas:    make(map[int64]int),
		statuses:  make(map[int64]int),
		memberErr: make(map[int64]error),
	}
}

func (b *fakeBackend) ForCluster(c *models.Cluster) (hopsworks.API, error) {
	if c == nil {
		return nil, fmt.Errorf("nil cluster")
	}
	return b, nil
}

func (b *fakeBackend) CreateOAuthUser(_ context.Context, req hopsworks.CreateUserRequest) (*hopsworks.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.creates++
	if len(b.createErr) > 0 {
		err := b.createErr[0]
		b.createErr = b.createErr[1:]
		if err != nil {
			return nil, err
		}
	}
	if _, ok := b.users[req.Email]; ok {
		return nil, hopsworks.ErrAlreadyExists
	}
	b.nextID++
	u := &hopsworks.User{ID: b.nextID, Username: fmt.Sprintf("user%d", b.nextID), Email: req.Email, Status: req.Status}
	b.users[req.Email] = u
	cp := *u
	return &cp, nil
}

func (b *fakeBackend) GetUserByEmail(_ context.Context, email string) (*hopsworks.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.users[email]
	if !ok {
		return nil, hopsworks.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (b *fakeBackend) SetMaxProjects(_ context.Context, userID int64, maxProjects int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.quotaErr != nil {
		return b.quotaErr
	}
	b.quotas[userID] = maxProjects
	return nil
}

func (b *fakeBackend) SetStatus(_ context.Context, userID int64, status int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.statusErr != nil {
		return b.statusErr
	}
	b.statuses[userID] = status
	return nil
}

func (b *fakeBackend) ListUserProjects(_ context.Context, username string) ([]hopsworks.Project, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErr != nil {
		return nil, b.listErr
	}
	return append([]hopsworks.Project(nil), b.projects[username]...), nil
}

func (b *fakeBackend) AddProjectMember(_ context.Context, projectID int64, email, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.memberErr[projectID]; err != nil {
		return err
	}
	b.members[projectID] = append(b.members[projectID], email)
	return nil
}

func (b *fakeBackend) quota(id int64) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.quotas[id]
	return q, ok
}

func (b *fakeBackend) status(id int64) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.statuses[id]
	return s, ok
}

// ---------------------------------------------------------------------------
// Billing provider
// ---------------------------------------------------------------------------

type fakeProvider struct {
	mu            sync.Mutex
	methods       map[string][]payments.PaymentMethod
	subscriptions int
	subStatus     map[string]string
	methodsErr    error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{methods: make(map[string][]payments.PaymentMethod), subStatus: make(map[string]string)}
}

func (p *fakeProvider) CreateCustomer(_ context.Context, _, _, userID string) (string, error) {
	return "cus_" + userID, nil
}

func (p *fakeProvider) CreateCheckoutSession(_ context.Context, _ payments.CheckoutRequest) (string, error) {
	return "https://checkout.example/session", nil
}

func (p *fakeProvider) CreatePortalSession(_ context.Context, _, _ string) (string, error) {
	return "https://billing.example/portal", nil
}

func (p *fakeProvider) CreateSubscription(_ context.Context, customerID, _, _ string) (*payments.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscriptions++
	return &payments.Subscription{ID: fmt.Sprintf("sub_%d", p.subscriptions), CustomerID: customerID, Status: payments.SubscriptionActive}, nil
}

func (p *fakeProvider) GetSubscription(_ context.Context, id string) (*payments.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	status, ok := p.subStatus[id]
	if !ok {
		status = payments.SubscriptionActive
	}
	return &payments.Subscription{ID: id, Status: status}, nil
}

func (p *fakeProvider) ListPaymentMethods(_ context.Context, customerID string) ([]payments.PaymentMethod, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.methodsErr != nil {
		return nil, p.methodsErr
	}
	return p.methods[customerID], nil
}

func (p *fakeProvider) DetachPaymentMethod(_ context.Context, _ string) error { return nil }

func (p *fakeProvider) ListSetupIntents(_ context.Context, _ string) ([]payments.SetupIntent, error) {
	return nil, nil
}

func (p *fakeProvider) ReportMeterEvent(_ context.Context, _ payments.MeterEvent) error { return nil }

func (p *fakeProvider) VerifyEvent(_ []byte, _ string) (*payments.Event, error) {
	return nil, payments.ErrSignature
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

type env struct {
	users       *fakeUsers
	clusters    *fakeClusters
	assignments *fakeAssignments
	backend     *fakeBackend
	failures    *fakeFailures
	assigner    *AssignmentService
}

func newEnv(users []*models.User, clusters ...*models.Cluster) *env {
	e := &env{
		users:       newFakeUsers(users...),
		clusters:    newFakeClusters(clusters...),
		assignments: newFakeAssignments(),
		backend:     newFakeBackend(),
		failures:    &fakeFailures{},
	}
	e.assigner = NewAssignmentService(e.users, e.clusters, e.assignments, e.backend, e.failures,
		AssignmentOptions{CreateAttempts: 3, CreateBackoff: time.Millisecond})
	e.assigner.sleep = func(context.Context, time.Duration) error { return nil }
	return e
}

func int64Ptr(v int64) *int64 { return &v }
