// Package queue moves job ids from ingest to the worker pool with
// at-least-once delivery.
package queue

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/contracts-cli/internal/config"
	"github.com/sells-group/contracts-cli/internal/db"
)

// Handler processes one delivered job id. A nil return acknowledges the
// delivery; an error asks the queue to redeliver it later.
type Handler func(ctx context.Context, jobID string) error

// Queue accepts job ids for processing.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
}

// Consumer delivers queued job ids to a handler until ctx is cancelled.
type Consumer interface {
	Consume(ctx context.Context, concurrency int, h Handler) error
}

// Broker is a queue driver: both ends plus lifecycle.
type Broker interface {
	Queue
	Consumer
	Close() error
}

// Options tune redelivery for the memory and Postgres drivers.
type Options struct {
	// MaxDeliveries caps how often one enqueue is handed to a handler.
	MaxDeliveries int
	// VisibilityTimeout is how long a claimed job stays hidden before
	// another consumer may claim it again.
	VisibilityTimeout time.Duration
	// PollInterval is the idle wait between empty claims.
	PollInterval time.Duration
	// Buffer sizes the memory driver's channel.
	Buffer int
	// RedeliveryBase is the first redelivery delay; later ones double.
	RedeliveryBase time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = 5
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 10 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Buffer <= 0 {
		o.Buffer = 256
	}
	if o.RedeliveryBase <= 0 {
		o.RedeliveryBase = time.Second
	}
	return o
}

// redeliveryDelay doubles base per prior delivery, capped at one minute.
func (o Options) redeliveryDelay(deliveries int) time.Duration {
	d := o.RedeliveryBase << min(max(deliveries-1, 0), 6)
	return min(d, time.Minute)
}

// OptionsFromConfig converts queue settings.
func OptionsFromConfig(cfg config.QueueConfig) Options {
	return Options{
		MaxDeliveries:     cfg.MaxDeliveries,
		VisibilityTimeout: time.Duration(cfg.VisibilityTimeout) * time.Second,
		PollInterval:      time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		Buffer:            cfg.Buffer,
	}
}

// New opens the configured driver. pool is required for the postgres driver.
func New(cfg config.QueueConfig, pool db.Pool) (Broker, error) {
	opts := OptionsFromConfig(cfg)
	switch cfg.Driver {
	case "memory":
		return NewMemory(opts), nil
	case "postgres":
		if pool == nil {
			return nil, eris.New("queue: postgres driver requires a database pool")
		}
		return NewPostgres(pool, opts), nil
	case "temporal":
		q, err := DialTemporal(cfg.Temporal, opts)
		if err != nil {
			return nil, err
		}
		return q, nil
	default:
		return nil, eris.Errorf("queue: unknown driver %q", cfg.Driver)
	}
}
