package queue

import "context"

// InlineTransport is the no-broker mode for local development. Send is a
// no-op: the job row itself carries the payload, and the worker's poll loop
// finds eligible rows directly in the job table. Not durable across process
// restarts, so config validation rejects it in production.
type InlineTransport struct{}

func NewInlineTransport() *InlineTransport { return &InlineTransport{} }

func (t *InlineTransport) Send(_ context.Context, msg Message) error {
	return msg.Validate()
}

func (t *InlineTransport) Close() error { return nil }
