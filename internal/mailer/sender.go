package mailer

import (
	"context"
)

// Sender is the outbound-mail boundary. Implementations are only invoked
// from the email worker; a failure is a delivery failure, never a dispatch
// failure.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}
