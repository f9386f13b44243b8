package adapter

import (
	"context"
	"fmt"

	"github.com/BullionBear/aggbook/internal/model"
)

// Options bounds a venue adapter's local resources.
type Options struct {
	// Depth caps each emitted delta to the top levels per side.
	Depth int
	// StreamBuffer is the capacity of the internal raw-frame channel between
	// the stream task and the handler task.
	StreamBuffer int
}

// Adapter produces a per-venue FIFO stream of normalized updates on out.
// Run blocks until ctx is cancelled and then returns nil. Transport,
// protocol and decode errors are handled inside Run by reconnecting with
// backoff; Run does not return a non-nil error, and a send onto out that no
// receiver takes blocks until ctx is cancelled.
type Adapter interface {
	Exchange() model.Exchange
	Run(ctx context.Context, symbol model.Symbol, opts Options, out chan<- model.PriceLevelUpdate) error
}

type Factory func() Adapter

var factories = make(map[model.Exchange]Factory)

func Register(exchange model.Exchange, factory Factory) {
	factories[exchange] = factory
}

func Create(exchange model.Exchange) (Adapter, error) {
	factory, ok := factories[exchange]
	if !ok {
		return nil, fmt.Errorf("adapter not found for exchange: %s", exchange)
	}
	return factory(), nil
}
