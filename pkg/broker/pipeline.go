package broker

import (
	"context"

	"github.com/couriermq/courier/pkg/breaker"
	"github.com/couriermq/courier/pkg/metrics"
	"github.com/couriermq/courier/pkg/pool"
	"github.com/couriermq/courier/pkg/processor"
	"github.com/couriermq/courier/pkg/types"
)

// DispatchFunc hands one message to the processing pipeline. It returns a
// future resolving with the terminal outcome, or an error when the partner's
// pool refused the submission.
type DispatchFunc func(ctx context.Context, cfg types.PartnerConfig, msg processor.Message) (*pool.Future, error)

// Pipeline binds a partner's pool, breaker, and the processor into the
// per-message execution path. The breaker decides admission before the pool
// sees the message; admitted tasks run on the partner's pool and report
// their outcome back to the breaker.
type Pipeline struct {
	pools    *pool.Registry
	breakers *breaker.Registry
	proc     *processor.Processor
}

// NewPipeline creates the shared dispatch path.
func NewPipeline(pools *pool.Registry, breakers *breaker.Registry, proc *processor.Processor) *Pipeline {
	return &Pipeline{pools: pools, breakers: breakers, proc: proc}
}

// Dispatch submits msg to the partner's pool behind its breaker. A refusal
// by an open breaker resolves the future immediately without submitting
// anything to the pool. Pool saturation runs the task on the calling
// goroutine, which is the consumer's backpressure.
func (p *Pipeline) Dispatch(ctx context.Context, cfg types.PartnerConfig, msg processor.Message) (*pool.Future, error) {
	metrics.MessagesConsumed.WithLabelValues(cfg.PartnerID).Inc()

	br := p.breakers.GetOrCreate(cfg)
	if err := br.Acquire(); err != nil {
		return pool.FailedFuture(err), nil
	}

	fut, err := p.pools.GetOrCreate(cfg).Submit(ctx, func(ctx context.Context) error {
		perr := p.proc.Process(ctx, cfg, msg)
		br.Record(perr)
		return perr
	})
	if err != nil {
		br.Release()
		return nil, err
	}
	return fut, nil
}
