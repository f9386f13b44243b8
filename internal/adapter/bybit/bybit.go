package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/BullionBear/aggbook/internal/adapter"
	"github.com/BullionBear/aggbook/internal/model"
	"github.com/BullionBear/aggbook/internal/ws"
	"github.com/BullionBear/aggbook/pkg/logger"
)

const (
	MainnetWSBaseUrl = "wss://stream.bybit.com/v5/public/spot"

	// The venue supports 1/50/200 level books on spot; 50 covers the default
	// aggregate depth of 25. A configured depth above 50 still receives at
	// most 50 levels per side from this venue.
	bookDepth = 50

	pingInterval    = 20 * time.Second
	readIdleTimeout = 30 * time.Second
)

func init() {
	adapter.Register(model.ExchangeBybit, New)
}

// Adapter consumes the v5 public orderbook topic. The venue sends the
// snapshot over the socket itself (type=snapshot), then sequenced deltas;
// a sequence gap or a venue-side restart forces a resubscribe.
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
		log:   logger.Log.With().Str("adapter", "bybit").Logger(),
	}
}

func (a *Adapter) Exchange() model.Exchange {
	return model.ExchangeBybit
}

func (a *Adapter) Run(ctx context.Context, symbol model.Symbol, opts adapter.Options, out chan<- model.PriceLevelUpdate) error {
	var backoff adapter.Backoff
	for {
		err := a.stream(ctx, symbol, opts, out, backoff.Reset)
		if err == nil || errors.Is(err, context.Canceled) {
			return nil
		}
		if errors.Is(err, adapter.ErrSequenceGap) {
			adapter.PublishEvent(adapter.TopicResync, a.Exchange())
		}
		adapter.PublishEvent(adapter.TopicDisconnected, a.Exchange())
		a.log.Warn().Err(err).Msg("stream ended, reconnecting")
		if err := backoff.Sleep(ctx); err != nil {
			return nil
		}
	}
}

func (a *Adapter) stream(ctx context.Context, symbol model.Symbol, opts adapter.Options, out chan<- model.PriceLevelUpdate, onSynced func()) error {
	conn, err := ws.Dial(ctx, a.wsURL, readIdleTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", a.wsURL, err)
	}
	defer conn.Close()

	topic := fmt.Sprintf("orderbook.%d.%s", bookDepth, symbol.Upper())
	if err := conn.WriteJSON(wsRequest{Op: "subscribe", Args: []string{topic}}); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	adapter.PublishEvent(adapter.TopicConnected, a.Exchange())
	a.log.Info().Str("topic", topic).Msg("orderbook stream connected")

	// The venue expects an application-level ping to keep the session alive.
	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteJSON(wsRequest{Op: "ping"}); err != nil {
					return
				}
			}
		}
	}()

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

	return a.handle(ctx, opts, frames, readErr, out, onSynced)
}

func (a *Adapter) handle(ctx context.Context, opts adapter.Options, frames <-chan []byte, readErr <-chan error, out chan<- model.PriceLevelUpdate, onSynced func()) error {
	var last int64
	synced := false
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

			var env wsEnvelope
			if err := json.Unmarshal(frame, &env); err != nil {
				badFrames++
				a.log.Debug().Int("badFrames", badFrames).Msg("dropping undecodable frame")
				if badFrames >= adapter.DeserializationThreshold {
					return fmt.Errorf("%w: %d frames", adapter.ErrBadFrames, badFrames)
				}
				continue
			}

			// Operation acks and pongs carry no book data.
			if env.Op != "" {
				if env.Success != nil && !*env.Success {
					return fmt.Errorf("operation %s rejected: %s", env.Op, env.RetMsg)
				}
				continue
			}
			if env.Topic == "" {
				continue
			}

			var data wsOrderbookData
			if err := json.Unmarshal(env.Data, &data); err != nil {
				badFrames++
				a.log.Warn().Err(err).Msg("dropping unparseable orderbook payload")
				if badFrames >= adapter.DeserializationThreshold {
					return fmt.Errorf("%w: %d frames", adapter.ErrBadFrames, badFrames)
				}
				continue
			}

			switch env.Type {
			case "snapshot":
				last = data.UpdateID
				synced = true
				onSynced()
				a.log.Info().Int64("updateId", last).Msg("book snapshot received")
			case "delta":
				if !synced {
					return fmt.Errorf("%w: delta before snapshot", adapter.ErrSequenceGap)
				}
				// UpdateID restarting at 1 means the venue service restarted
				// and a new snapshot follows on a fresh subscription.
				if data.UpdateID == 1 || data.UpdateID != last+1 {
					return fmt.Errorf("%w: expected update id %d, got %d",
						adapter.ErrSequenceGap, last+1, data.UpdateID)
				}
				last = data.UpdateID
			default:
				continue
			}

			update, err := normalize(&data)
			if err != nil {
				badFrames++
				a.log.Warn().Err(err).Msg("dropping unparseable levels")
				if badFrames >= adapter.DeserializationThreshold {
					return fmt.Errorf("%w: %d frames", adapter.ErrBadFrames, badFrames)
				}
				continue
			}
			badFrames = 0
			adapter.Truncate(&update, opts.Depth)
			if err := adapter.Emit(ctx, out, update); err != nil {
				return err
			}
		}
	}
}

func normalize(data *wsOrderbookData) (model.PriceLevelUpdate, error) {
	bids, err := adapter.ParseLevels(data.Bids, model.ExchangeBybit)
	if err != nil {
		return model.PriceLevelUpdate{}, err
	}
	asks, err := adapter.ParseLevels(data.Asks, model.ExchangeBybit)
	if err != nil {
		return model.PriceLevelUpdate{}, err
	}
	return model.PriceLevelUpdate{Exchange: model.ExchangeBybit, Bids: bids, Asks: asks}, nil
}
