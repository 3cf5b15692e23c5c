package notify

import "context"

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Notifier delivers out-of-band alerts. Sends are best effort; callers log
// failures and move on.
type Notifier interface {
	Send(ctx context.Context, message string, severity Severity) error
}

type Nop struct{}

func (Nop) Send(ctx context.Context, message string, severity Severity) error {
	return nil
}

var _ Notifier = Nop{}
