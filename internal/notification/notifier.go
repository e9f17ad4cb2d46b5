// Package notification delivers operator alerts for risk violations to
// external channels (logs, Telegram, webhooks).
package notification

import (
	"context"
	"errors"
	"log"
	"time"

	"trading-riskengine/internal/model"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert is one operator notification. Violation and Metrics are set when
// the alert comes from the risk enforcer.
type Alert struct {
	Level     AlertLevel          `json:"level"`
	Title     string              `json:"title"`
	Message   string              `json:"message"`
	UserID    string              `json:"userId,omitempty"`
	Violation model.ViolationType `json:"violation,omitempty"`
	Metrics   *model.RiskMetrics  `json:"metrics,omitempty"`
	At        time.Time           `json:"at"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier is a simple notifier that logs alerts.
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	if alert.Metrics != nil {
		log.Printf("[notify] [%s] %s: %s (utilization %s%%, drawdown %s)", alert.Level, alert.Title, alert.Message,
			alert.Metrics.RiskUtilization.StringFixed(2), alert.Metrics.DailyDrawdown.StringFixed(2))
		return nil
	}
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	return nil
}

// Multi sends every alert to each backend and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LevelFilter forwards only alerts at or above Min.
type LevelFilter struct {
	Min  AlertLevel
	Next Notifier
}

func (f LevelFilter) Send(ctx context.Context, alert Alert) error {
	if rank(alert.Level) < rank(f.Min) {
		return nil
	}
	return f.Next.Send(ctx, alert)
}

func rank(l AlertLevel) int {
	switch l {
	case AlertCritical:
		return 2
	case AlertWarning:
		return 1
	default:
		return 0
	}
}
