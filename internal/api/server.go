package api

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/BullionBear/aggbook/internal/adapter"
	"github.com/BullionBear/aggbook/internal/book"
	"github.com/BullionBear/aggbook/internal/model"
)

// Server is the operational HTTP surface: liveness plus a point-in-time view
// of the aggregated book. It is not part of the public RPC contract and is
// disabled unless an address is configured.
type Server struct {
	book   *book.AggregatedBook
	mu     sync.Mutex
	venues map[string]string
	srv    *http.Server
}

func NewServer(addr string, b *book.AggregatedBook) *Server {
	s := &Server{book: b, venues: make(map[string]string)}
	adapter.Bus.SubscribeAsync(adapter.TopicConnected, func(e model.Exchange) { s.setState(e, "connected") }, false)
	adapter.Bus.SubscribeAsync(adapter.TopicDisconnected, func(e model.Exchange) { s.setState(e, "disconnected") }, false)
	adapter.Bus.SubscribeAsync(adapter.TopicResync, func(e model.Exchange) { s.setState(e, "resyncing") }, false)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET("/health", s.health)
	router.GET("/book", s.bookDepth)
	s.srv = &http.Server{Addr: addr, Handler: router}
	return s
}

func (s *Server) setState(exchange model.Exchange, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.venues[exchange.String()] = state
}

func (s *Server) health(c *gin.Context) {
	s.mu.Lock()
	venues := make(map[string]string, len(s.venues))
	for name, state := range s.venues {
		venues[name] = state
	}
	s.mu.Unlock()

	bidLevels, askLevels := s.book.Sizes()
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"venues":     venues,
		"bid_levels": bidLevels,
		"ask_levels": askLevels,
	})
}

func (s *Server) bookDepth(c *gin.Context) {
	depth := 0
	if v := c.Query("depth"); v != "" {
		d, err := strconv.Atoi(v)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid depth"})
			return
		}
		depth = d
	}
	bids, asks := s.book.Depth(depth)
	c.JSON(http.StatusOK, gin.H{"bids": bids, "asks": asks})
}

// Run serves until ctx is cancelled. A bind failure surfaces to the
// supervisor as fatal.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
