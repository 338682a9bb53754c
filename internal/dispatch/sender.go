// Package dispatch delivers greeting notification emails in the
// background. A poller claims due deliveries from the store and fans
// them out to a bounded worker pool; sends go through a pluggable
// transport (SMTP or AWS SES) after Liquid template rendering.
package dispatch

import "context"

// Message is a fully rendered email ready for transport.
type Message struct {
	To        string
	FromEmail string
	FromName  string
	Subject   string
	Text      string
	HTML      string
}

// Sender delivers a single rendered message. Implementations must be safe
// for concurrent use by multiple workers.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}
