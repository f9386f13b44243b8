package book

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/BullionBear/aggbook/internal/model"
)

// AggregatedBook merges the per-venue streams into one cross-venue book,
// bounded to depth levels per side. All writes come from the aggregator task;
// the mutex exists only because the ops HTTP server co-locates a reader.
type AggregatedBook struct {
	mu    sync.Mutex
	bids  *bookSide
	asks  *bookSide
	depth int
}

func NewAggregatedBook(depth int) *AggregatedBook {
	return &AggregatedBook{
		bids:  newBookSide(depth, false),
		asks:  newBookSide(depth, true),
		depth: depth,
	}
}

// Apply replays one venue batch atomically, then restores the depth bound.
func (b *AggregatedBook) Apply(update model.PriceLevelUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, level := range update.Bids {
		level.Exchange = update.Exchange
		b.bids.update(level)
	}
	for _, level := range update.Asks {
		level.Exchange = update.Exchange
		b.asks.update(level)
	}
	b.bids.prune()
	b.asks.prune()
}

// Summary derives the published view: top-n of each side padded to fixed
// arity, plus the spread. Spread is zero while either side is empty.
func (b *AggregatedBook) Summary(n int) model.Summary {
	b.mu.Lock()
	defer b.mu.Unlock()

	bids := pad(b.bids.bestN(n), n)
	asks := pad(b.asks.bestN(n), n)

	spread := decimal.Zero
	bestBid, bidOK := b.bids.best()
	bestAsk, askOK := b.asks.best()
	if bidOK && askOK {
		spread = bestAsk.Price.Sub(bestBid.Price)
	}

	return model.Summary{Spread: spread, Bids: bids, Asks: asks}
}

// Depth returns up to depth levels per side in native order, for the ops API.
func (b *AggregatedBook) Depth(depth int) (bids, asks []model.PriceLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if depth <= 0 || depth > b.depth {
		depth = b.depth
	}
	return b.bids.bestN(depth), b.asks.bestN(depth)
}

// Sizes reports the live per-side level counts.
func (b *AggregatedBook) Sizes() (bids, asks int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bids.size(), b.asks.size()
}

func pad(levels []model.PriceLevel, n int) []model.PriceLevel {
	for len(levels) < n {
		levels = append(levels, model.PriceLevel{
			Price:    decimal.Zero,
			Quantity: decimal.Zero,
			Exchange: model.ExchangeUnknown,
		})
	}
	return levels
}
