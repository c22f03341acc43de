package jobs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mlplatform/console-backend/internal/alerts"
	"github.com/mlplatform/console-backend/internal/db/models"
	"github.com/mlplatform/console-backend/internal/db/repositories"
	"github.com/mlplatform/console-backend/internal/payments"
	"github.com/mlplatform/console-backend/internal/storage"
)

type fakeUsers struct {
	mu     sync.Mutex
	users  map[string]*models.User
	loads  int
	sent   map[string]map[string][]int
	clears []string
}

func newFakeUsers(users ...*models.User) *fakeUsers {
	f := &fakeUsers{users: make(map[string]*models.User), sent: make(map[string]map[string][]int)}
	for _, u := range users {
		f.users[u.ID] = u
	}
	return f
}

func (f *fakeUsers) GetUserByID(_ context.Context, id string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	u, ok := f.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUsers) SetSpendingAlertsSent(_ context.Context, id string, sent map[string][]int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[id] = sent
	if u, ok := f.users[id]; ok {
		u.SpendingAlertsSent = sent
	}
	return nil
}

func (f *fakeUsers) ListDowngradeDue(_ context.Context, now time.Time) ([]*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.User
	for _, u := range f.users {
		if u.DowngradeDeadline != nil && !u.DowngradeDeadline.After(now) {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeUsers) ClearDowngradeDeadline(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears = append(f.clears, id)
	if u, ok := f.users[id]; ok {
		u.DowngradeDeadline = nil
	}
	return nil
}

type fakeUsage struct {
	mu       sync.Mutex
	rows     []models.UsageDaily
	reported map[string]time.Time
	before   time.Time
}

func newFakeUsage(rows ...models.UsageDaily) *fakeUsage {
	return &fakeUsage{rows: rows, reported: make(map[string]time.Time)}
}

func (f *fakeUsage) ListUnreported(_ context.Context, before time.Time, limit int) ([]models.UsageDaily, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.before = before
	var out []models.UsageDaily
	for _, r := range f.rows {
		if _, done := f.reported[r.ID]; done || !r.UsageDate.Before(before) {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeUsage) MarkReported(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reported[id] = at
	return nil
}

func (f *fakeUsage) isReported(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.reported[id]
	return ok
}

type fakeMeter struct {
	mu     sync.Mutex
	events []payments.MeterEvent
	// failFor fails every event for the customer.
	failFor string
}

func (f *fakeMeter) ReportMeterEvent(_ context.Context, ev payments.MeterEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev.CustomerID == f.failFor {
		return fmt.Errorf("meter unavailable")
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeMeter) byIdentifier() map[string]payments.MeterEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]payments.MeterEvent, len(f.events))
	for _, ev := range f.events {
		out[ev.Identifier] = ev
	}
	return out
}

type fakeArchive struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func newFakeArchive() *fakeArchive { return &fakeArchive{objects: make(map[string][]byte)} }

func (f *fakeArchive) Upload(_ context.Context, path string, r io.Reader, _ int64) (*storage.UploadResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[path] = data
	return &storage.UploadResult{Path: path, Size: int64(len(data))}, nil
}

func (f *fakeArchive) Download(_ context.Context, path string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[path]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeArchive) Exists(_ context.Context, path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[path]
	return ok, nil
}

func (f *fakeArchive) List(_ context.Context, prefix string) ([]storage.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.ObjectInfo
	for p, data := range f.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, storage.ObjectInfo{Path: p, Size: int64(len(data))})
		}
	}
	return out, nil
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

type fakeSpend struct {
	totals []repositories.OwnerSpend
}

func (f *fakeSpend) SpendByOwner(_ context.Context, _, _ time.Time) ([]repositories.OwnerSpend, error) {
	return f.totals, nil
}

type spendingMail struct {
	to        string
	threshold int
}

type fakeNotifier struct {
	mu       sync.Mutex
	err      error
	spending []spendingMail
	enforced []string
}

func (f *fakeNotifier) SendSpendingAlert(_ context.Context, to, _ string, threshold int, _, _ decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.spending = append(f.spending, spendingMail{to: to, threshold: threshold})
	return nil
}

func (f *fakeNotifier) SendDowngradeEnforced(_ context.Context, to, _ string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.enforced = append(f.enforced, to)
	return nil
}

func int64Ptr(v int64) *int64 { return &v }
