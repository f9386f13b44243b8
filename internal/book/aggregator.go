package book

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/BullionBear/aggbook/internal/broadcast"
	"github.com/BullionBear/aggbook/internal/model"
	"github.com/BullionBear/aggbook/pkg/logger"
)

// Aggregator consumes the shared producer channel, applies each batch to the
// aggregated book and publishes a fresh summary after every applied update.
// Publishing never blocks: slow subscribers are the broadcaster's problem.
type Aggregator struct {
	book    *AggregatedBook
	updates <-chan model.PriceLevelUpdate
	bcast   *broadcast.Broadcaster[model.Summary]
	bestN   int
	log     zerolog.Logger
}

func NewAggregator(updates <-chan model.PriceLevelUpdate, depth, bestN int, bcast *broadcast.Broadcaster[model.Summary]) *Aggregator {
	return &Aggregator{
		book:    NewAggregatedBook(depth),
		updates: updates,
		bcast:   bcast,
		bestN:   bestN,
		log:     logger.Log.With().Str("task", "aggregator").Logger(),
	}
}

// Book exposes the underlying aggregated book for co-located readers.
func (a *Aggregator) Book() *AggregatedBook {
	return a.book
}

// Run blocks until ctx is cancelled or the updates channel closes; a closed
// channel is the clean shutdown signal from the adapters. The broadcaster is
// closed on exit, which ends every subscriber stream.
func (a *Aggregator) Run(ctx context.Context) error {
	defer a.bcast.Close()
	for {
		select {
		case <-ctx.Done():
			a.log.Info().Msg("aggregator cancelled")
			return nil
		case update, ok := <-a.updates:
			if !ok {
				a.log.Info().Msg("updates channel closed, aggregator draining")
				return nil
			}
			a.book.Apply(update)
			a.bcast.Publish(a.book.Summary(a.bestN))
		}
	}
}
