package service

import (
	"context"
	"errors"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/BullionBear/aggbook/internal/broadcast"
	"github.com/BullionBear/aggbook/internal/model"
	"github.com/BullionBear/aggbook/pkg/logger"
	pb "github.com/BullionBear/aggbook/pkg/protobuf/orderbook"
)

// OrderbookAggregatorService streams summaries to gRPC subscribers. Each call
// gets an independent broadcast subscription; a subscriber that lags past the
// ring is cut loose with an Internal status and may simply reconnect.
type OrderbookAggregatorService struct {
	pb.UnimplementedOrderbookAggregatorServer
	bcast *broadcast.Broadcaster[model.Summary]
}

func NewOrderbookAggregatorService(bcast *broadcast.Broadcaster[model.Summary]) *OrderbookAggregatorService {
	return &OrderbookAggregatorService{bcast: bcast}
}

func (s *OrderbookAggregatorService) BookSummary(_ *pb.Empty, stream grpc.ServerStreamingServer[pb.Summary]) error {
	sub := s.bcast.Subscribe()
	log := logger.Log.With().Str("subscriber", sub.ID().String()).Logger()
	log.Info().Msg("subscriber connected")

	ctx := stream.Context()
	for {
		summary, err := sub.Recv(ctx)
		switch {
		case errors.Is(err, broadcast.ErrClosed):
			log.Info().Msg("broadcast closed, ending stream")
			return nil
		case errors.Is(err, broadcast.ErrLagged):
			log.Warn().Msg("subscriber lagged, terminating stream")
			return status.Error(codes.Internal, "subscriber lagged behind the summary stream")
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			log.Info().Msg("subscriber disconnected")
			return nil
		case err != nil:
			return status.Error(codes.Internal, err.Error())
		}

		if err := stream.Send(toProto(summary)); err != nil {
			log.Info().Err(err).Msg("send failed, subscriber gone")
			return nil
		}
	}
}

func toProto(summary model.Summary) *pb.Summary {
	msg := &pb.Summary{
		Spread: summary.Spread.InexactFloat64(),
		Bids:   make([]*pb.Level, 0, len(summary.Bids)),
		Asks:   make([]*pb.Level, 0, len(summary.Asks)),
	}
	for _, level := range summary.Bids {
		msg.Bids = append(msg.Bids, levelToProto(level))
	}
	for _, level := range summary.Asks {
		msg.Asks = append(msg.Asks, levelToProto(level))
	}
	return msg
}

func levelToProto(level model.PriceLevel) *pb.Level {
	return &pb.Level{
		Exchange: level.Exchange.String(),
		Price:    level.Price.InexactFloat64(),
		Amount:   level.Quantity.InexactFloat64(),
	}
}

// Serve binds the listener and serves until ctx is cancelled. A bind failure
// is fatal at startup and surfaces to the supervisor.
func Serve(ctx context.Context, addr string, svc *OrderbookAggregatorService) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	server := grpc.NewServer()
	pb.RegisterOrderbookAggregatorServer(server, svc)
	logger.Log.Info().Str("addr", lis.Addr().String()).Msg("rpc server listening")

	go func() {
		<-ctx.Done()
		server.GracefulStop()
	}()
	return server.Serve(lis)
}
