package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BullionBear/aggbook/internal/adapter"
	"github.com/BullionBear/aggbook/internal/book"
	"github.com/BullionBear/aggbook/internal/model"
	"github.com/shopspring/decimal"
)

func seedBook() *book.AggregatedBook {
	b := book.NewAggregatedBook(5)
	b.Apply(model.PriceLevelUpdate{
		Exchange: model.ExchangeBinance,
		Bids: []model.PriceLevel{
			{Price: decimal.RequireFromString("100"), Quantity: decimal.RequireFromString("1")},
			{Price: decimal.RequireFromString("99"), Quantity: decimal.RequireFromString("2")},
		},
		Asks: []model.PriceLevel{
			{Price: decimal.RequireFromString("101"), Quantity: decimal.RequireFromString("3")},
		},
	})
	return b
}

func TestHealthEndpoint(t *testing.T) {
	s := NewServer("127.0.0.1:0", seedBook())
	adapter.PublishEvent(adapter.TopicConnected, model.ExchangeBinance)

	// EventBus delivery is asynchronous.
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.venues["BINANCE"] == "connected"
	}, 2*time.Second, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status    string            `json:"status"`
		Venues    map[string]string `json:"venues"`
		BidLevels int               `json:"bid_levels"`
		AskLevels int               `json:"ask_levels"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "connected", body.Venues["BINANCE"])
	assert.Equal(t, 2, body.BidLevels)
	assert.Equal(t, 1, body.AskLevels)
}

func TestBookEndpoint(t *testing.T) {
	s := NewServer("127.0.0.1:0", seedBook())

	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/book?depth=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Bids []model.PriceLevel `json:"bids"`
		Asks []model.PriceLevel `json:"asks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Bids, 1)
	assert.True(t, body.Bids[0].Price.Equal(decimal.RequireFromString("100")))
	require.Len(t, body.Asks, 1)
}

func TestBookEndpointRejectsBadDepth(t *testing.T) {
	s := NewServer("127.0.0.1:0", seedBook())

	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/book?depth=x", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
