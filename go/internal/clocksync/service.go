package clocksync

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// NowProcedure is the Connect procedure serving the authoritative time.
const NowProcedure = "/shoreline.clock.v1.ClockService/Now"

// NewHandler serves source's time over Connect, gRPC and gRPC-Web.
func NewHandler(source Source, opts ...connect.HandlerOption) (string, http.Handler) {
	handler := connect.NewUnaryHandler(
		NowProcedure,
		func(ctx context.Context, req *connect.Request[emptypb.Empty]) (*connect.Response[timestamppb.Timestamp], error) {
			now, err := source.ServerTime(ctx)
			if err != nil {
				log.Error().Err(err).Msg("failed to read server time")
				return nil, connect.NewError(connect.CodeUnavailable, err)
			}
			return connect.NewResponse(timestamppb.New(now)), nil
		},
		opts...,
	)
	return NowProcedure, handler
}

// ConnectSource is a Source backed by a remote ClockService.
type ConnectSource struct {
	client *connect.Client[emptypb.Empty, timestamppb.Timestamp]
}

// NewConnectSource creates a client for the ClockService at baseURL.
func NewConnectSource(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *ConnectSource {
	return &ConnectSource{
		client: connect.NewClient[emptypb.Empty, timestamppb.Timestamp](
			httpClient,
			strings.TrimRight(baseURL, "/")+NowProcedure,
			opts...,
		),
	}
}

// ServerTime performs one Now call.
func (s *ConnectSource) ServerTime(ctx context.Context) (time.Time, error) {
	res, err := s.client.CallUnary(ctx, connect.NewRequest(&emptypb.Empty{}))
	if err != nil {
		return time.Time{}, fmt.Errorf("clock service: %w", err)
	}
	if err := res.Msg.CheckValid(); err != nil {
		return time.Time{}, fmt.Errorf("clock service returned invalid timestamp: %w", err)
	}
	return res.Msg.AsTime(), nil
}
