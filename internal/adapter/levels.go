package adapter

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/BullionBear/aggbook/internal/model"
)

// ParseLevels converts venue [price, quantity] string pairs into normalized
// levels tagged with the venue.
func ParseLevels(raw [][]string, exchange model.Exchange) ([]model.PriceLevel, error) {
	levels := make([]model.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			return nil, fmt.Errorf("level needs price and quantity, got %d fields", len(pair))
		}
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", pair[0], err)
		}
		quantity, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, fmt.Errorf("quantity %q: %w", pair[1], err)
		}
		levels = append(levels, model.PriceLevel{Price: price, Quantity: quantity, Exchange: exchange})
	}
	return levels, nil
}

// Truncate caps both sides of an update to the top depth levels by the
// side-appropriate ordering, so cross-task traffic stays bounded regardless
// of what the venue sends.
func Truncate(update *model.PriceLevelUpdate, depth int) {
	if depth <= 0 {
		return
	}
	sort.SliceStable(update.Bids, func(i, j int) bool {
		return update.Bids[i].Price.Cmp(update.Bids[j].Price) > 0
	})
	sort.SliceStable(update.Asks, func(i, j int) bool {
		return update.Asks[i].Price.Cmp(update.Asks[j].Price) < 0
	})
	if len(update.Bids) > depth {
		update.Bids = update.Bids[:depth]
	}
	if len(update.Asks) > depth {
		update.Asks = update.Asks[:depth]
	}
}

// Emit forwards one update onto the shared producer channel, giving up when
// ctx is cancelled (the receiver is gone or the process is shutting down).
func Emit(ctx context.Context, out chan<- model.PriceLevelUpdate, update model.PriceLevelUpdate) error {
	select {
	case out <- update:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
