// Package notify is the operator channel. Alerts are terminal or
// informational conditions that a human should see: exhausted persistence
// jobs, reconciliation drift above threshold and failed archive runs.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind classifies an alert.
type Kind string

// Alert kinds
const (
	KindPersistenceExhausted Kind = "persistence_exhausted"
	KindReconciliation       Kind = "reconciliation"
	KindArchiveFailed        Kind = "archive_failed"
)

// Severity of an alert.
type Severity string

// Severities
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operator notification.
type Alert struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// New builds an alert with an ID and timestamp.
func New(kind Kind, severity Severity, message string, data map[string]any) Alert {
	return Alert{
		ID:        uuid.NewString(),
		Kind:      kind,
		Severity:  severity,
		Message:   message,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, alert Alert) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, alert Alert) error { return f(ctx, alert) }

// Multi fans an alert out to every notifier. Every notifier is attempted
// even when an earlier one fails.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	log *zap.Logger
}

// NewLogNotifier returns a notifier logging on log.
func NewLogNotifier(log *zap.Logger) *LogNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogNotifier{log: log.Named("alert")}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, alert Alert) error {
	fields := []zap.Field{
		zap.String("id", alert.ID),
		zap.String("kind", string(alert.Kind)),
		zap.Any("data", alert.Data),
	}
	switch alert.Severity {
	case SeverityCritical:
		n.log.Error(alert.Message, fields...)
	case SeverityWarning:
		n.log.Warn(alert.Message, fields...)
	default:
		n.log.Info(alert.Message, fields...)
	}
	return nil
}

// Recorder keeps the most recent alerts in memory and fans them out to
// live subscribers such as websocket clients. Slow subscribers miss alerts
// rather than block the sender.
type Recorder struct {
	mu     sync.Mutex
	limit  int
	recent []Alert
	subs   map[chan Alert]struct{}
}

// NewRecorder keeps up to limit alerts.
func NewRecorder(limit int) *Recorder {
	if limit <= 0 {
		limit = 100
	}
	return &Recorder{limit: limit, subs: make(map[chan Alert]struct{})}
}

// Notify implements Notifier.
func (r *Recorder) Notify(ctx context.Context, alert Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.recent = append(r.recent, alert)
	if len(r.recent) > r.limit {
		r.recent = r.recent[len(r.recent)-r.limit:]
	}
	for ch := range r.subs {
		select {
		case ch <- alert:
		default:
		}
	}
	return nil
}

// Recent returns a copy of the retained alerts, oldest first.
func (r *Recorder) Recent() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.recent...)
}

// Subscribe returns a channel receiving future alerts and a function that
// cancels the subscription.
func (r *Recorder) Subscribe(buffer int) (<-chan Alert, func()) {
	ch := make(chan Alert, buffer)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, ch)
			r.mu.Unlock()
			close(ch)
		})
	}
}
