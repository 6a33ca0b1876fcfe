package queue

import (
	"context"
	"fmt"

	"github.com/pcl-labs/mediaflow/internal/config"
)

// Transport is the uniform send contract a queue message travels through.
// One implementation is selected by validated configuration at startup and
// never mixed at runtime.
type Transport interface {
	// Send hands a message to the underlying delivery mechanism. A returned
	// error means the message was not accepted and the caller must decide
	// between retry and dead-letter.
	Send(ctx context.Context, msg Message) error
	Close() error
}

// Receiver is implemented by transports that support pull-based consumption.
// The inline transport does not: its jobs are picked up straight from the
// job table by the worker poll loop.
type Receiver interface {
	Receive(ctx context.Context) (Message, bool, error)
}

// New selects the transport for the configured queue mode. Config.Validate
// has already enforced mode-specific credential requirements.
func New(cfg config.Config) (Transport, error) {
	switch cfg.QueueMode {
	case config.QueueModeInline:
		return NewInlineTransport(), nil
	case config.QueueModeRedis:
		return NewRedisTransport(cfg), nil
	case config.QueueModeHTTP:
		return NewHTTPTransport(cfg), nil
	default:
		return nil, fmt.Errorf("unknown queue mode %q", cfg.QueueMode)
	}
}
