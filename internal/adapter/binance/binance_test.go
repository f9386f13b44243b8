package binance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BullionBear/aggbook/internal/adapter"
	"github.com/BullionBear/aggbook/internal/model"
)

var upgrader = websocket.Upgrader{}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func depthEvent(first, last int64, bids, asks [][]string) []byte {
	b, _ := json.Marshal(wsDepthEvent{
		EventType:     "depthUpdate",
		Symbol:        "BTCUSDT",
		FirstUpdateID: first,
		LastUpdateID:  last,
		Bids:          bids,
		Asks:          asks,
	})
	return b
}

func recvUpdate(t *testing.T, out <-chan model.PriceLevelUpdate) model.PriceLevelUpdate {
	t.Helper()
	select {
	case update := <-out:
		return update
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for update")
		return model.PriceLevelUpdate{}
	}
}

// holdOpen blocks the handler until the client goes away.
func holdOpen(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestSnapshotDeltaReconciliation(t *testing.T) {
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/depth", r.URL.Path)
		require.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		json.NewEncoder(w).Encode(depthSnapshot{
			LastUpdateID: 100,
			Bids:         [][]string{{"100", "1"}},
			Asks:         [][]string{{"101", "2"}},
		})
	}))
	defer rest.Close()

	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Stale delta from before the snapshot, then a live one.
		conn.WriteMessage(websocket.TextMessage, depthEvent(99, 100, [][]string{{"99", "5"}}, nil))
		conn.WriteMessage(websocket.TextMessage, depthEvent(101, 102, [][]string{{"100.5", "3"}}, nil))
		holdOpen(conn)
	}))
	defer wsSrv.Close()

	out := make(chan model.PriceLevelUpdate, 16)
	a := NewWithURLs(wsURL(wsSrv), rest.URL)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.Run(ctx, model.NewSymbol("BTC", "USDT"), adapter.Options{Depth: 10, StreamBuffer: 16}, out)
	}()

	snapshot := recvUpdate(t, out)
	assert.Equal(t, model.ExchangeBinance, snapshot.Exchange)
	require.Len(t, snapshot.Bids, 1)
	assert.Equal(t, "100", snapshot.Bids[0].Price.String())
	require.Len(t, snapshot.Asks, 1)
	assert.Equal(t, "101", snapshot.Asks[0].Price.String())

	delta := recvUpdate(t, out)
	require.Len(t, delta.Bids, 1)
	assert.Equal(t, "100.5", delta.Bids[0].Price.String())
	assert.Equal(t, "3", delta.Bids[0].Quantity.String())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("adapter did not stop on cancellation")
	}
}

func TestInitialSequenceGapForcesResync(t *testing.T) {
	var snapshots atomic.Int64
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if snapshots.Add(1) == 1 {
			json.NewEncoder(w).Encode(depthSnapshot{LastUpdateID: 100, Bids: [][]string{{"100", "1"}}})
			return
		}
		json.NewEncoder(w).Encode(depthSnapshot{LastUpdateID: 200, Bids: [][]string{{"100", "2"}}})
	}))
	defer rest.Close()

	var conns atomic.Int64
	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if conns.Add(1) == 1 {
			// First delta does not cover lastUpdateId+1: a hole the adapter
			// must not paper over.
			conn.WriteMessage(websocket.TextMessage, depthEvent(150, 151, [][]string{{"999", "9"}}, nil))
		} else {
			conn.WriteMessage(websocket.TextMessage, depthEvent(201, 202, [][]string{{"101", "1"}}, nil))
		}
		holdOpen(conn)
	}))
	defer wsSrv.Close()

	out := make(chan model.PriceLevelUpdate, 16)
	a := NewWithURLs(wsURL(wsSrv), rest.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx, model.NewSymbol("BTC", "USDT"), adapter.Options{Depth: 10, StreamBuffer: 16}, out)

	first := recvUpdate(t, out) // snapshot 1
	assert.Equal(t, "1", first.Bids[0].Quantity.String())

	second := recvUpdate(t, out) // fresh snapshot after the gap
	assert.Equal(t, "2", second.Bids[0].Quantity.String())

	third := recvUpdate(t, out) // first live delta of the new handshake
	assert.Equal(t, "101", third.Bids[0].Price.String())

	assert.GreaterOrEqual(t, snapshots.Load(), int64(2))
	assert.GreaterOrEqual(t, conns.Load(), int64(2))
}

func TestMidStreamGapForcesResync(t *testing.T) {
	var snapshots atomic.Int64
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if snapshots.Add(1) == 1 {
			json.NewEncoder(w).Encode(depthSnapshot{LastUpdateID: 100})
			return
		}
		json.NewEncoder(w).Encode(depthSnapshot{LastUpdateID: 200})
	}))
	defer rest.Close()

	var conns atomic.Int64
	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if conns.Add(1) == 1 {
			conn.WriteMessage(websocket.TextMessage, depthEvent(101, 102, [][]string{{"100", "1"}}, nil))
			// Hole: 103..104 never arrive.
			conn.WriteMessage(websocket.TextMessage, depthEvent(105, 106, [][]string{{"999", "9"}}, nil))
		} else {
			conn.WriteMessage(websocket.TextMessage, depthEvent(201, 202, [][]string{{"102", "1"}}, nil))
		}
		holdOpen(conn)
	}))
	defer wsSrv.Close()

	out := make(chan model.PriceLevelUpdate, 16)
	a := NewWithURLs(wsURL(wsSrv), rest.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx, model.NewSymbol("BTC", "USDT"), adapter.Options{Depth: 10, StreamBuffer: 16}, out)

	_ = recvUpdate(t, out)       // snapshot 1 (empty)
	good := recvUpdate(t, out)   // delta 101..102
	assert.Equal(t, "100", good.Bids[0].Price.String())

	_ = recvUpdate(t, out)        // snapshot 2 after the gap
	resumed := recvUpdate(t, out) // delta 201..202
	assert.Equal(t, "102", resumed.Bids[0].Price.String())

	// The gapped delta never reached the aggregator.
	select {
	case extra := <-out:
		assert.NotEqual(t, "999", extra.Bids[0].Price.String())
	default:
	}
}

func TestMalformedSnapshotIsRetried(t *testing.T) {
	var snapshots atomic.Int64
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if snapshots.Add(1) == 1 {
			w.Write([]byte("{not json"))
			return
		}
		json.NewEncoder(w).Encode(depthSnapshot{LastUpdateID: 100, Bids: [][]string{{"100", "1"}}})
	}))
	defer rest.Close()

	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		holdOpen(conn)
	}))
	defer wsSrv.Close()

	out := make(chan model.PriceLevelUpdate, 16)
	a := NewWithURLs(wsURL(wsSrv), rest.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx, model.NewSymbol("BTC", "USDT"), adapter.Options{Depth: 10, StreamBuffer: 16}, out)

	snapshot := recvUpdate(t, out)
	assert.Equal(t, "100", snapshot.Bids[0].Price.String())
	assert.Equal(t, int64(2), snapshots.Load())
}
