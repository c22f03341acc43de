// Package alerts delivers operational alerts (integrity findings, webhook
// processing failures, daily digests) to one or more destinations. The Slack
// shipper posts to an incoming webhook; the file shipper appends JSON lines and
// is mainly useful in development.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Severities, matching the health check failure tiers.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityInfo     = "info"
)

// Alert is one operational message.
type Alert struct {
	Timestamp time.Time              `json:"timestamp"`
	Severity  string                 `json:"severity"`
	Source    string                 `json:"source"`
	Text      string                 `json:"text"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Format renders the alert as a plain-text chat message.
func (a *Alert) Format() string {
	var b strings.Builder
	if a.Severity != "" && a.Severity != SeverityInfo {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(a.Severity))
	}
	if a.Source != "" {
		fmt.Fprintf(&b, "%s: ", a.Source)
	}
	b.WriteString(a.Text)

	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n• %s: %v", k, a.Fields[k])
	}
	return b.String()
}

// Shipper defines the interface for alert delivery
type Shipper interface {
	Ship(ctx context.Context, alert *Alert) error
	Close() error
}

// ShipperConfig holds configuration for one destination.
type ShipperConfig struct {
	Enabled bool         `mapstructure:"enabled"`
	Type    string       `mapstructure:"type"` // slack, file
	Slack   *SlackConfig `mapstructure:"slack"`
	File    *FileConfig  `mapstructure:"file"`
}

// SlackConfig holds incoming-webhook settings
type SlackConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	// BatchSize > 0 groups alerts into one message per flush.
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// FileConfig holds file shipper configuration
type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// MultiShipper ships to multiple destinations. With no destinations it only logs.
type MultiShipper struct {
	shippers []Shipper
	mu       sync.RWMutex
}

// NewMultiShipper creates a new multi-shipper from configs
func NewMultiShipper(configs []ShipperConfig) (*MultiShipper, error) {
	ms := &MultiShipper{
		shippers: make([]Shipper, 0),
	}

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		var shipper Shipper
		var err error

		switch cfg.Type {
		case "slack":
			if cfg.Slack == nil || cfg.Slack.WebhookURL == "" {
				return nil, fmt.Errorf("slack webhook_url is required for slack shipper")
			}
			shipper, err = NewSlackShipper(cfg.Slack)
		case "file":
			if cfg.File == nil {
				return nil, fmt.Errorf("file config is required for file shipper")
			}
			shipper, err = NewFileShipper(cfg.File)
		default:
			return nil, fmt.Errorf("unknown shipper type: %s", cfg.Type)
		}

		if err != nil {
			return nil, fmt.Errorf("failed to create %s shipper: %w", cfg.Type, err)
		}

		ms.shippers = append(ms.shippers, shipper)
	}

	return ms, nil
}

// Ship sends an alert to all configured shippers
func (ms *MultiShipper) Ship(ctx context.Context, alert *Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}
	slog.Warn("operational alert", "severity", alert.Severity, "source", alert.Source, "text", alert.Text)

	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var lastErr error
	for _, shipper := range ms.shippers {
		if err := shipper.Ship(ctx, alert); err != nil {
			lastErr = err
			slog.Error("alert shipper error", "error", err)
		}
	}
	return lastErr
}

// Close closes all shippers
func (ms *MultiShipper) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var lastErr error
	for _, shipper := range ms.shippers {
		if err := shipper.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// SlackShipper posts alerts to a Slack incoming webhook
type SlackShipper struct {
	cfg       *SlackConfig
	client    *http.Client
	batchCh   chan *Alert
	batch     []*Alert
	batchMu   sync.Mutex
	closeCh   chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewSlackShipper creates a new Slack shipper
func NewSlackShipper(cfg *SlackConfig) (*SlackShipper, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	ss := &SlackShipper{
		cfg: cfg,
		client: &http.Client{
			Timeout: timeout,
		},
		batchCh: make(chan *Alert, 100),
		batch:   make([]*Alert, 0),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	if cfg.BatchSize > 0 {
		go ss.processBatches(timeout)
	} else {
		close(ss.doneCh)
	}

	return ss, nil
}

func (ss *SlackShipper) processBatches(timeout time.Duration) {
	defer close(ss.doneCh)

	flushInterval := ss.cfg.FlushInterval
	if flushInterval == 0 {
		flushInterval = 30 * time.Second
	}

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case alert := <-ss.batchCh:
			ss.batchMu.Lock()
			ss.batch = append(ss.batch, alert)
			if len(ss.batch) >= ss.cfg.BatchSize {
				ss.flushBatch(timeout)
			}
			ss.batchMu.Unlock()
		case <-ticker.C:
			ss.batchMu.Lock()
			ss.flushBatch(timeout)
			ss.batchMu.Unlock()
		case <-ss.closeCh:
			ss.batchMu.Lock()
		drain:
			for {
				select {
				case alert := <-ss.batchCh:
					ss.batch = append(ss.batch, alert)
				default:
					break drain
				}
			}
			ss.flushBatch(timeout)
			ss.batchMu.Unlock()
			return
		}
	}
}

// flushBatch sends the queued alerts as one message. Caller holds batchMu.
func (ss *SlackShipper) flushBatch(timeout time.Duration) {
	if len(ss.batch) == 0 {
		return
	}

	parts := make([]string, 0, len(ss.batch))
	for _, a := range ss.batch {
		parts = append(parts, a.Format())
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := ss.post(ctx, strings.Join(parts, "\n\n")); err != nil {
		slog.Error("failed to send alert batch", "error", err, "alerts", len(ss.batch))
	}

	ss.batch = ss.batch[:0]
}

// Ship posts an alert, or queues it when batching is enabled.
func (ss *SlackShipper) Ship(ctx context.Context, alert *Alert) error {
	if ss.cfg.BatchSize > 0 {
		select {
		case ss.batchCh <- alert:
			return nil
		default:
			// Queue full, send directly
		}
	}
	return ss.post(ctx, alert.Format())
}

func (ss *SlackShipper) post(ctx context.Context, text string) error {
	data, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ss.cfg.WebhookURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ss.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Close flushes queued alerts and stops the batch loop.
func (ss *SlackShipper) Close() error {
	ss.closeOnce.Do(func() {
		close(ss.closeCh)
	})
	<-ss.doneCh
	return nil
}

// FileShipper appends alerts to a file as JSON lines
type FileShipper struct {
	cfg  *FileConfig
	file *os.File
	mu   sync.Mutex
}

// NewFileShipper creates a new file shipper
func NewFileShipper(cfg *FileConfig) (*FileShipper, error) {
	file, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open alert log file: %w", err)
	}

	return &FileShipper{
		cfg:  cfg,
		file: file,
	}, nil
}

// Ship writes an alert to the file
func (fs *FileShipper) Ship(ctx context.Context, alert *Alert) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.cfg.MaxSizeMB > 0 {
		info, err := fs.file.Stat()
		if err == nil && info.Size() > int64(fs.cfg.MaxSizeMB)*1024*1024 {
			if err := fs.rotate(); err != nil {
				slog.Error("failed to rotate alert log", "error", err)
			}
		}
	}

	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	if _, err := fs.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write alert: %w", err)
	}

	return nil
}

// rotate shifts path.N to path.N+1 and reopens path
func (fs *FileShipper) rotate() error {
	if err := fs.file.Close(); err != nil {
		return err
	}

	for i := fs.cfg.MaxBackups - 1; i >= 1; i-- {
		_ = os.Rename(fmt.Sprintf("%s.%d", fs.cfg.Path, i), fmt.Sprintf("%s.%d", fs.cfg.Path, i+1))
	}
	_ = os.Rename(fs.cfg.Path, fs.cfg.Path+".1")
	if fs.cfg.MaxBackups > 0 {
		_ = os.Remove(fmt.Sprintf("%s.%d", fs.cfg.Path, fs.cfg.MaxBackups+1))
	}

	file, err := os.OpenFile(fs.cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}

	fs.file = file
	return nil
}

// Close closes the file
func (fs *FileShipper) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}
