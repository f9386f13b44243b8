package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"syscall"

	"github.com/BullionBear/aggbook/env"
	"github.com/BullionBear/aggbook/internal/adapter"
	_ "github.com/BullionBear/aggbook/internal/adapter/init"
	"github.com/BullionBear/aggbook/internal/api"
	"github.com/BullionBear/aggbook/internal/book"
	"github.com/BullionBear/aggbook/internal/broadcast"
	"github.com/BullionBear/aggbook/internal/config"
	"github.com/BullionBear/aggbook/internal/model"
	"github.com/BullionBear/aggbook/internal/service"
	"github.com/BullionBear/aggbook/internal/supervisor"
	"github.com/BullionBear/aggbook/pkg/logger"
)

const (
	exitOK      = 0
	exitConfig  = 1
	exitRuntime = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	conf, err := config.ParseFlags(flag.NewFlagSet("aggbook", flag.ContinueOnError), args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}

	if err := logger.InitLogger(conf.Level, conf.LogFilePath); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}

	logger.Log.Info().
		Str("version", env.Version).
		Str("buildTime", env.BuildTime).
		Str("commitHash", env.CommitHash).
		Str("pair", conf.Symbol.String()).
		Msg("aggbook started")

	sup := supervisor.New(context.Background())
	sup.OnSignal(syscall.SIGINT, syscall.SIGTERM)

	updates := make(chan model.PriceLevelUpdate, conf.PriceLevelChannelBuffer)
	bcast := broadcast.NewBroadcaster[model.Summary](conf.SummaryBuffer)

	aggregator := book.NewAggregator(updates, conf.OrderBookDepth, conf.BestNOrders, bcast)
	sup.Go("aggregator", aggregator.Run)

	// Adapters share the producer channel; when the last one exits, closing
	// it drains the aggregator cleanly.
	var adapters sync.WaitGroup
	for _, exchange := range conf.Exchanges {
		venue, err := adapter.Create(exchange)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			return exitConfig
		}
		adapters.Add(1)
		sup.Go("adapter-"+exchange.String(), func(ctx context.Context) error {
			defer adapters.Done()
			opts := adapter.Options{Depth: conf.OrderBookDepth, StreamBuffer: conf.ExchangeStreamBuffer}
			return venue.Run(ctx, conf.Symbol, opts, updates)
		})
	}
	go func() {
		adapters.Wait()
		close(updates)
	}()

	svc := service.NewOrderbookAggregatorService(bcast)
	sup.Go("rpc-server", func(ctx context.Context) error {
		return service.Serve(ctx, conf.SocketAddress, svc)
	})

	if conf.OpsAddress != "" {
		ops := api.NewServer(conf.OpsAddress, aggregator.Book())
		sup.Go("ops-server", ops.Run)
	}

	if err := sup.Wait(); err != nil {
		logger.Log.Error().Err(err).Msg("fatal task error")
		return exitRuntime
	}
	logger.Log.Info().Msg("clean shutdown")
	return exitOK
}
