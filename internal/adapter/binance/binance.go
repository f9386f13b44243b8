package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/BullionBear/aggbook/internal/adapter"
	"github.com/BullionBear/aggbook/internal/model"
	"github.com/BullionBear/aggbook/internal/ws"
	"github.com/BullionBear/aggbook/pkg/logger"
)

const (
	MainnetWSBaseUrl   = "wss://stream.binance.com:9443/ws"
	MainnetRestBaseUrl = "https://api.binance.com"

	snapshotLimit    = 1000
	snapshotAttempts = 3
	readIdleTimeout  = 30 * time.Second
)

func init() {
	adapter.Register(model.ExchangeBinance, New)
}

// Adapter maintains a live view of the Binance book by reconciling the REST
// snapshot with the buffered diff-depth stream.
type Adapter struct {
	wsBaseURL   string
	restBaseURL string
	client      *http.Client
	log         zerolog.Logger
}

func New() adapter.Adapter {
	return NewWithURLs(MainnetWSBaseUrl, MainnetRestBaseUrl)
}

// NewWithURLs lets tests point the adapter at mock servers.
func NewWithURLs(wsBaseURL, restBaseURL string) *Adapter {
	return &Adapter{
		wsBaseURL:   wsBaseURL,
		restBaseURL: restBaseURL,
		client:      &http.Client{Timeout: 10 * time.Second},
		log:         logger.Log.With().Str("adapter", "binance").Logger(),
	}
}

func (a *Adapter) Exchange() model.Exchange {
	return model.ExchangeBinance
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

// stream runs one full handshake lifecycle: subscribe, snapshot, reconcile,
// forward deltas. Any returned error tears the socket down; the caller
// reopens from scratch.
func (a *Adapter) stream(ctx context.Context, symbol model.Symbol, opts adapter.Options, out chan<- model.PriceLevelUpdate, onSynced func()) error {
	streamURL := fmt.Sprintf("%s/%s@depth@100ms", a.wsBaseURL, symbol.Lower())
	conn, err := ws.Dial(ctx, streamURL, readIdleTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", streamURL, err)
	}
	defer conn.Close()
	adapter.PublishEvent(adapter.TopicConnected, a.Exchange())
	a.log.Info().Str("url", streamURL).Msg("depth stream connected")

	// Stream task. Deltas start buffering here the moment the subscription is
	// live, while the snapshot request is still in flight.
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

	return a.handle(ctx, symbol, opts, frames, readErr, out, onSynced)
}

// handle is the handler task: snapshot fetch, delta reconciliation per the
// venue's documented sequence rules, normalization, depth truncation.
func (a *Adapter) handle(ctx context.Context, symbol model.Symbol, opts adapter.Options, frames <-chan []byte, readErr <-chan error, out chan<- model.PriceLevelUpdate, onSynced func()) error {
	snap, err := a.fetchSnapshot(ctx, symbol)
	if err != nil {
		return err
	}

	update, err := normalize(snap.Bids, snap.Asks)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	adapter.Truncate(&update, opts.Depth)
	if err := adapter.Emit(ctx, out, update); err != nil {
		return err
	}

	last := snap.LastUpdateID
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

			var ev wsDepthEvent
			if err := json.Unmarshal(frame, &ev); err != nil || ev.EventType != "depthUpdate" {
				badFrames++
				a.log.Debug().Int("badFrames", badFrames).Msg("dropping undecodable frame")
				if badFrames >= adapter.DeserializationThreshold {
					return fmt.Errorf("%w: %d frames", adapter.ErrBadFrames, badFrames)
				}
				continue
			}

			// Buffered deltas wholly at or before the snapshot are stale.
			if ev.LastUpdateID <= last {
				continue
			}
			if !synced {
				if ev.FirstUpdateID > last+1 {
					return fmt.Errorf("%w: first live delta [%d,%d] does not cover snapshot id %d",
						adapter.ErrSequenceGap, ev.FirstUpdateID, ev.LastUpdateID, last)
				}
				synced = true
				onSynced()
				a.log.Info().Int64("lastUpdateId", last).Msg("snapshot and delta stream aligned")
			} else if ev.FirstUpdateID != last+1 {
				return fmt.Errorf("%w: expected first id %d, got %d",
					adapter.ErrSequenceGap, last+1, ev.FirstUpdateID)
			}
			last = ev.LastUpdateID

			update, err := normalize(ev.Bids, ev.Asks)
			if err != nil {
				badFrames++
				a.log.Warn().Err(err).Msg("dropping unparseable delta")
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

// fetchSnapshot retries a malformed or failed snapshot a few times before
// giving the whole handshake back to the reconnect loop.
func (a *Adapter) fetchSnapshot(ctx context.Context, symbol model.Symbol) (*depthSnapshot, error) {
	url := fmt.Sprintf("%s/api/v3/depth?symbol=%s&limit=%d", a.restBaseURL, symbol.Upper(), snapshotLimit)
	var lastErr error
	for attempt := 1; attempt <= snapshotAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		snap, err := a.getDepth(ctx, url)
		if err == nil {
			return snap, nil
		}
		lastErr = err
		a.log.Warn().Err(err).Int("attempt", attempt).Msg("snapshot fetch failed")
	}
	return nil, fmt.Errorf("snapshot: %w", lastErr)
}

func (a *Adapter) getDepth(ctx context.Context, url string) (*depthSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("depth request returned %s", resp.Status)
	}
	var snap depthSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func normalize(rawBids, rawAsks [][]string) (model.PriceLevelUpdate, error) {
	bids, err := adapter.ParseLevels(rawBids, model.ExchangeBinance)
	if err != nil {
		return model.PriceLevelUpdate{}, err
	}
	asks, err := adapter.ParseLevels(rawAsks, model.ExchangeBinance)
	if err != nil {
		return model.PriceLevelUpdate{}, err
	}
	return model.PriceLevelUpdate{Exchange: model.ExchangeBinance, Bids: bids, Asks: asks}, nil
}
