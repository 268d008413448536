// Package notification delivers operational alerts when the pricing
// engine degrades, e.g. when every quote provider fails and the feed
// falls back to synthetic data.
package notification

import "context"

// Level indicates alert severity.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
)

// Alert is an operational notification about feed health.
type Alert struct {
	Level   Level
	Title   string
	Message string
}

// Notifier sends alerts to an external channel.
type Notifier interface {
	Send(ctx context.Context, alert Alert) error
}
