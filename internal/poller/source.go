package poller

import (
	"context"
	"log"

	"fila-client/internal/gateway"
	"fila-client/internal/model"
)

// Fetcher is the slice of the gateway the controller reads from.
type Fetcher interface {
	FetchQueue(ctx context.Context, barbershopID string) (*gateway.QueueResult, error)
	FetchStatistics(ctx context.Context, barbershopID string) (*model.Statistics, error)
}

var _ Fetcher = (*gateway.Client)(nil)

// GatewaySource loads polling keys through the gateway. Dashboard keys also
// ask for authoritative statistics when the queue payload carried none; a
// failure there is logged and the statistics are estimated instead.
type GatewaySource struct {
	gw Fetcher
}

// NewGatewaySource wraps gw.
func NewGatewaySource(gw Fetcher) *GatewaySource {
	return &GatewaySource{gw: gw}
}

// Load implements Source.
func (s *GatewaySource) Load(ctx context.Context, key string) (*Result, error) {
	kind, barbershopID, err := ParseKey(key)
	if err != nil {
		return nil, err
	}

	q, err := s.gw.FetchQueue(ctx, barbershopID)
	if err != nil {
		return nil, err
	}
	res := &Result{Snapshot: q.Snapshot, Statistics: q.Statistics}

	if kind == "dashboard" && res.Statistics == nil {
		st, err := s.gw.FetchStatistics(ctx, barbershopID)
		switch {
		case err == nil:
			res.Statistics = st
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			log.Printf("poller %s: statistics unavailable, estimating: %v", key, err)
		}
	}
	return res, nil
}
