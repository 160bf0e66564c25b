// Package notify delivers verification codes and security alerts through
// the host application's outbound channels. Delivery is fire-and-forget:
// failures are reported to the caller once and never retried here.
package notify

import "context"

// Channel names an outbound delivery channel.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// Notifier is the notification collaborator.
type Notifier interface {
	Send(ctx context.Context, channel Channel, recipient string, payload []byte) error
}

// Discard is a Notifier that drops everything, for tests and dev mode.
type Discard struct{}

// Send discards the payload.
func (Discard) Send(ctx context.Context, channel Channel, recipient string, payload []byte) error {
	return nil
}
