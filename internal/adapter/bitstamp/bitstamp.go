package bitstamp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/BullionBear/aggbook/internal/adapter"
	"github.com/BullionBear/aggbook/internal/model"
	"github.com/BullionBear/aggbook/internal/ws"
	"github.com/BullionBear/aggbook/pkg/logger"
)

const (
	MainnetWSBaseUrl = "wss://ws.bitstamp.net"

	readIdleTimeout = 30 * time.Second
)

func init() {
	adapter.Register(model.ExchangeBitstamp, New)
}

// Adapter consumes the order_book channel, which delivers a full top-100
// snapshot per push and no usable sequence ids. Each snapshot is truncated to
// the configured depth and diffed against the previous one so vanished prices
// are emitted as zero-quantity removals, keeping the additive-merge aggregate
// free of stale entries.
type Adapter struct {
	wsURL string
	log   zerolog.Logger
}

func New() adapter.Adapter {
	return NewWithURL(MainnetWSBaseUrl)
}

// NewWithURL lets tests point the adapter at a mock server.
func NewWithURL(wsURL string) *Adapter {
	return &Adapter{
		wsURL: wsURL,
		log:   logger.Log.With().Str("adapter", "bitstamp").Logger(),
	}
}

func (a *Adapter) Exchange() model.Exchange {
	return model.ExchangeBitstamp
}

func (a *Adapter) Run(ctx context.Context, symbol model.Symbol, opts adapter.Options, out chan<- model.PriceLevelUpdate) error {
	var backoff adapter.Backoff
	// The differ survives reconnects: the first snapshot on a fresh socket
	// clears whatever the venue showed before the drop.
	differ := newDiffer()
	for {
		err := a.stream(ctx, symbol, opts, out, differ, backoff.Reset)
		if err == nil || errors.Is(err, context.Canceled) {
			return nil
		}
		adapter.PublishEvent(adapter.TopicDisconnected, a.Exchange())
		a.log.Warn().Err(err).Msg("stream ended, reconnecting")
		if err := backoff.Sleep(ctx); err != nil {
			return nil
		}
	}
}

func (a *Adapter) stream(ctx context.Context, symbol model.Symbol, opts adapter.Options, out chan<- model.PriceLevelUpdate, differ *differ, onSynced func()) error {
	conn, err := ws.Dial(ctx, a.wsURL, readIdleTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", a.wsURL, err)
	}
	defer conn.Close()

	channel := fmt.Sprintf("order_book_%s", symbol.Lower())
	sub := wsRequest{Event: "bts:subscribe"}
	sub.Data.Channel = channel
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	adapter.PublishEvent(adapter.TopicConnected, a.Exchange())
	a.log.Info().Str("channel", channel).Msg("order book stream connected")

	frames := make(chan []byte, opts.StreamBuffer)
	readErr := make(chan error, 1)
	go func() {
		defer close(frames)
		for {
			msg, err := conn.ReadMessage()
			if err != nil {
				readErr <- fmt.Errorf("%w: %v", adapter.ErrStreamClosed, err)
				return
			}
			select {
			case frames <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	return a.handle(ctx, opts, frames, readErr, out, differ, onSynced)
}

func (a *Adapter) handle(ctx context.Context, opts adapter.Options, frames <-chan []byte, readErr <-chan error, out chan<- model.PriceLevelUpdate, differ *differ, onSynced func()) error {
	badFrames := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return ctx.Err()
				}
			}

			var msg wsMessage
			if err := json.Unmarshal(frame, &msg); err != nil {
				badFrames++
				a.log.Debug().Int("badFrames", badFrames).Msg("dropping undecodable frame")
				if badFrames >= adapter.DeserializationThreshold {
					return fmt.Errorf("%w: %d frames", adapter.ErrBadFrames, badFrames)
				}
				continue
			}

			switch msg.Event {
			case "bts:subscription_succeeded":
				onSynced()
				continue
			case "bts:request_reconnect":
				return fmt.Errorf("%w: venue requested reconnect", adapter.ErrStreamClosed)
			case "data":
			default:
				continue
			}

			var book wsOrderBook
			if err := json.Unmarshal(msg.Data, &book); err != nil {
				badFrames++
				a.log.Warn().Err(err).Msg("dropping unparseable order book")
				if badFrames >= adapter.DeserializationThreshold {
					return fmt.Errorf("%w: %d frames", adapter.ErrBadFrames, badFrames)
				}
				continue
			}

			update, err := normalize(&book)
			if err != nil {
				badFrames++
				a.log.Warn().Err(err).Msg("dropping unparseable levels")
				if badFrames >= adapter.DeserializationThreshold {
					return fmt.Errorf("%w: %d frames", adapter.ErrBadFrames, badFrames)
				}
				continue
			}
			badFrames = 0

			// Truncate before diffing so removals are computed against the
			// set of levels that was actually emitted.
			adapter.Truncate(&update, opts.Depth)
			update = differ.reconcile(update)
			if err := adapter.Emit(ctx, out, update); err != nil {
				return err
			}
		}
	}
}

func normalize(book *wsOrderBook) (model.PriceLevelUpdate, error) {
	bids, err := adapter.ParseLevels(book.Bids, model.ExchangeBitstamp)
	if err != nil {
		return model.PriceLevelUpdate{}, err
	}
	asks, err := adapter.ParseLevels(book.Asks, model.ExchangeBitstamp)
	if err != nil {
		return model.PriceLevelUpdate{}, err
	}
	return model.PriceLevelUpdate{Exchange: model.ExchangeBitstamp, Bids: bids, Asks: asks}, nil
}

// differ remembers the previously emitted price set per side.
type differ struct {
	bids map[string]decimal.Decimal
	asks map[string]decimal.Decimal
}

func newDiffer() *differ {
	return &differ{
		bids: make(map[string]decimal.Decimal),
		asks: make(map[string]decimal.Decimal),
	}
}

// reconcile extends a truncated snapshot with zero-quantity removals for
// every price present in the previous snapshot but gone from this one.
func (d *differ) reconcile(update model.PriceLevelUpdate) model.PriceLevelUpdate {
	update.Bids, d.bids = reconcileSide(update.Bids, d.bids, update.Exchange)
	update.Asks, d.asks = reconcileSide(update.Asks, d.asks, update.Exchange)
	return update
}

func reconcileSide(levels []model.PriceLevel, prev map[string]decimal.Decimal, exchange model.Exchange) ([]model.PriceLevel, map[string]decimal.Decimal) {
	seen := make(map[string]decimal.Decimal, len(levels))
	for _, level := range levels {
		seen[model.PriceKey(level.Price)] = level.Price
	}
	for key, price := range prev {
		if _, ok := seen[key]; !ok {
			levels = append(levels, model.PriceLevel{
				Price:    price,
				Quantity: decimal.Zero,
				Exchange: exchange,
			})
		}
	}
	return levels, seen
}
