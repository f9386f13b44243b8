package config

import (
	"flag"
	"fmt"
	"strings"

	"github.com/BullionBear/aggbook/internal/model"
)

var logLevels = map[string]struct{}{
	"trace": {}, "debug": {}, "info": {}, "warn": {}, "error": {},
}

// Config carries everything the process needs, populated from CLI flags.
type Config struct {
	Exchanges               []model.Exchange
	Symbol                  model.Symbol
	OrderBookDepth          int
	BestNOrders             int
	ExchangeStreamBuffer    int
	PriceLevelChannelBuffer int
	SummaryBuffer           int
	SocketAddress           string
	OpsAddress              string
	Level                   string
	LogFilePath             string
}

// ParseFlags reads the command line into a validated Config.
func ParseFlags(fs *flag.FlagSet, args []string) (*Config, error) {
	var exchanges, pair string
	c := &Config{}
	fs.StringVar(&exchanges, "exchanges", "", "comma-separated venue identifiers (required)")
	fs.StringVar(&pair, "pair", "", "two comma-separated currency symbols, base first (required)")
	fs.IntVar(&c.OrderBookDepth, "order_book_depth", 25, "max per-side depth of the aggregated book")
	fs.IntVar(&c.BestNOrders, "best_n_orders", 10, "per-side arity of the published summary")
	fs.IntVar(&c.ExchangeStreamBuffer, "exchange_stream_buffer", 100, "per-adapter internal frame buffer")
	fs.IntVar(&c.PriceLevelChannelBuffer, "price_level_channel_buffer", 100, "aggregator input channel capacity")
	fs.IntVar(&c.SummaryBuffer, "summary_buffer", 300, "broadcast ring capacity")
	fs.StringVar(&c.SocketAddress, "socket_address", "[::1]:50051", "RPC bind address")
	fs.StringVar(&c.OpsAddress, "ops_address", "", "operational HTTP bind address (disabled when empty)")
	fs.StringVar(&c.Level, "level", "info", "log verbosity (trace|debug|info|warn|error)")
	fs.StringVar(&c.LogFilePath, "log_file_path", "output.log", "log file path")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if exchanges == "" {
		return nil, fmt.Errorf("--exchanges is required")
	}
	seen := make(map[model.Exchange]struct{})
	for _, name := range strings.Split(exchanges, ",") {
		exchange := model.NewExchange(strings.TrimSpace(name))
		if exchange == model.ExchangeUnknown {
			return nil, fmt.Errorf("unknown exchange: %q", name)
		}
		if _, dup := seen[exchange]; dup {
			return nil, fmt.Errorf("duplicate exchange: %q", name)
		}
		seen[exchange] = struct{}{}
		c.Exchanges = append(c.Exchanges, exchange)
	}

	symbol, err := model.NewSymbolFromPair(pair)
	if err != nil {
		return nil, err
	}
	c.Symbol = symbol

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the numeric bounds and addresses. Violations here are
// configuration errors and fatal at startup.
func (c *Config) Validate() error {
	if len(c.Exchanges) == 0 {
		return fmt.Errorf("at least one exchange is required")
	}
	if c.Symbol.Base == "" || c.Symbol.Quote == "" {
		return fmt.Errorf("pair cannot be empty")
	}
	if c.OrderBookDepth <= 0 {
		return fmt.Errorf("order_book_depth must be positive, got %d", c.OrderBookDepth)
	}
	if c.BestNOrders <= 0 {
		return fmt.Errorf("best_n_orders must be positive, got %d", c.BestNOrders)
	}
	if c.BestNOrders > c.OrderBookDepth {
		return fmt.Errorf("best_n_orders (%d) cannot exceed order_book_depth (%d)", c.BestNOrders, c.OrderBookDepth)
	}
	if c.ExchangeStreamBuffer <= 0 {
		return fmt.Errorf("exchange_stream_buffer must be positive, got %d", c.ExchangeStreamBuffer)
	}
	if c.PriceLevelChannelBuffer <= 0 {
		return fmt.Errorf("price_level_channel_buffer must be positive, got %d", c.PriceLevelChannelBuffer)
	}
	if c.SummaryBuffer <= 0 {
		return fmt.Errorf("summary_buffer must be positive, got %d", c.SummaryBuffer)
	}
	if c.SocketAddress == "" {
		return fmt.Errorf("socket_address cannot be empty")
	}
	if _, ok := logLevels[strings.ToLower(c.Level)]; !ok {
		return fmt.Errorf("invalid log level: %q", c.Level)
	}
	return nil
}
