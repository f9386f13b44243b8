package bybit

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

func push(conn *websocket.Conn, msgType string, updateID int64, bids, asks [][]string) {
	data, _ := json.Marshal(wsOrderbookData{
		Symbol:   "BTCUSDT",
		Bids:     bids,
		Asks:     asks,
		UpdateID: updateID,
		Seq:      updateID,
	})
	msg, _ := json.Marshal(wsEnvelope{
		Topic: "orderbook.50.BTCUSDT",
		Type:  msgType,
		Data:  data,
	})
	conn.WriteMessage(websocket.TextMessage, msg)
}

func ack(conn *websocket.Conn) {
	ok := true
	msg, _ := json.Marshal(wsEnvelope{Op: "subscribe", Success: &ok})
	conn.WriteMessage(websocket.TextMessage, msg)
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

func holdOpen(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestSnapshotThenDeltas(t *testing.T) {
	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req wsRequest
		require.NoError(t, conn.ReadJSON(&req))
		assert.Equal(t, "subscribe", req.Op)
		require.Len(t, req.Args, 1)
		assert.Equal(t, "orderbook.50.BTCUSDT", req.Args[0])

		ack(conn)
		push(conn, "snapshot", 10, [][]string{{"100", "1"}}, [][]string{{"101", "2"}})
		push(conn, "delta", 11, [][]string{{"100.5", "3"}}, nil)
		holdOpen(conn)
	}))
	defer wsSrv.Close()

	out := make(chan model.PriceLevelUpdate, 16)
	a := NewWithURL(wsURL(wsSrv))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.Run(ctx, model.NewSymbol("BTC", "USDT"), adapter.Options{Depth: 10, StreamBuffer: 16}, out)
	}()

	snapshot := recvUpdate(t, out)
	assert.Equal(t, model.ExchangeBybit, snapshot.Exchange)
	assert.Equal(t, "100", snapshot.Bids[0].Price.String())
	assert.Equal(t, "101", snapshot.Asks[0].Price.String())

	delta := recvUpdate(t, out)
	assert.Equal(t, "100.5", delta.Bids[0].Price.String())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("adapter did not stop on cancellation")
	}
}

func TestUpdateIDGapForcesResubscribe(t *testing.T) {
	var conns atomic.Int64
	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		ack(conn)
		if conns.Add(1) == 1 {
			push(conn, "snapshot", 10, [][]string{{"100", "1"}}, nil)
			push(conn, "delta", 11, [][]string{{"100.5", "3"}}, nil)
			// Hole: 12 never arrives.
			push(conn, "delta", 13, [][]string{{"999", "9"}}, nil)
		} else {
			push(conn, "snapshot", 20, [][]string{{"100", "4"}}, nil)
		}
		holdOpen(conn)
	}))
	defer wsSrv.Close()

	out := make(chan model.PriceLevelUpdate, 16)
	a := NewWithURL(wsURL(wsSrv))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx, model.NewSymbol("BTC", "USDT"), adapter.Options{Depth: 10, StreamBuffer: 16}, out)

	_ = recvUpdate(t, out)     // snapshot u=10
	delta := recvUpdate(t, out) // delta u=11
	assert.Equal(t, "100.5", delta.Bids[0].Price.String())

	fresh := recvUpdate(t, out) // snapshot on the second connection
	assert.Equal(t, "4", fresh.Bids[0].Quantity.String())

	assert.GreaterOrEqual(t, conns.Load(), int64(2))
	select {
	case extra := <-out:
		assert.NotEqual(t, "999", extra.Bids[0].Price.String())
	default:
	}
}

func TestDeltaBeforeSnapshotForcesResubscribe(t *testing.T) {
	var conns atomic.Int64
	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		ack(conn)
		if conns.Add(1) == 1 {
			push(conn, "delta", 5, [][]string{{"999", "9"}}, nil)
		} else {
			push(conn, "snapshot", 10, [][]string{{"100", "1"}}, nil)
		}
		holdOpen(conn)
	}))
	defer wsSrv.Close()

	out := make(chan model.PriceLevelUpdate, 16)
	a := NewWithURL(wsURL(wsSrv))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx, model.NewSymbol("BTC", "USDT"), adapter.Options{Depth: 10, StreamBuffer: 16}, out)

	snapshot := recvUpdate(t, out)
	assert.Equal(t, "100", snapshot.Bids[0].Price.String())
	assert.GreaterOrEqual(t, conns.Load(), int64(2))
}
