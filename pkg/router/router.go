// Package router implements the claim/dispatch/apply core described in
// spec.md §4.7: find and claim the next unit of work for a reactor, hand it
// the batch outside any lock, then apply whatever it decides inside one
// transaction.
package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cuemby/sequent/pkg/backend"
	"github.com/cuemby/sequent/pkg/errstrategy"
	"github.com/cuemby/sequent/pkg/log"
	"github.com/cuemby/sequent/pkg/metrics"
	"github.com/cuemby/sequent/pkg/reactor"
)

const defaultBatchSize = 100

// Router owns the claim/dispatch/apply cycle for every registered reactor.
type Router struct {
	store    backend.Backend
	strategy errstrategy.Strategy
	logger   zerolog.Logger
}

// New returns a Router bound to store, using strategy for group-level
// failure handling.
func New(store backend.Backend, strategy errstrategy.Strategy) *Router {
	return &Router{
		store:    store,
		strategy: strategy,
		logger:   log.WithComponent("router"),
	}
}

// HandleNextEventForReactor claims and processes one unit of work for r.
// It returns progressed=true when a batch was claimed and applied (whether
// or not the application itself ultimately failed) — callers use
// progressed to decide whether to keep draining a reactor or move on.
func (rt *Router) HandleNextEventForReactor(ctx context.Context, r reactor.Reactor, workerID string, batchSize int) (progressed bool, err error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RouterDispatchDuration)

	info := reactor.EffectiveConsumerInfo(r)
	if batchSize <= 0 {
		batchSize = info.BatchSize
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	claim, ok, err := rt.store.ClaimNextBatch(ctx, info, batchSize, info.NeedHistory, workerID)
	if err != nil {
		return false, fmt.Errorf("router: claim next batch for %s: %w", info.GroupID, err)
	}
	if !ok {
		return false, nil
	}

	groupLog := log.WithGroup(info.GroupID)
	log.WithStream(claim.StreamID).Debug().Str("group_id", info.GroupID).Int("batch_size", len(claim.Batch)).Msg("claimed batch")

	pairs, handlerErr := r.HandleBatch(claim.Batch, claim.History)

	var partial *reactor.PartialBatchError
	if handlerErr != nil && errors.As(handlerErr, &partial) {
		pairs = partial.Pairs
	}

	if len(pairs) > 0 {
		if applyErr := rt.apply(ctx, claim, pairs); applyErr != nil {
			rt.release(ctx, claim.OffsetID, groupLog)
			rt.onFailure(ctx, info.GroupID, applyErr, groupLog)
			metrics.RouterBatchesFailedTotal.WithLabelValues(info.GroupID).Inc()
			return true, fmt.Errorf("router: apply batch for %s: %w", info.GroupID, applyErr)
		}
	}

	if handlerErr != nil {
		rt.release(ctx, claim.OffsetID, groupLog)
		rt.onFailure(ctx, info.GroupID, handlerErr, groupLog)
		metrics.RouterBatchesFailedTotal.WithLabelValues(info.GroupID).Inc()
		return true, fmt.Errorf("router: handle batch for %s: %w", info.GroupID, handlerErr)
	}

	if err := rt.store.ReleaseClaim(ctx, claim.OffsetID); err != nil {
		groupLog.Warn().Err(err).Msg("release claim after successful apply")
	}
	metrics.RouterBatchesProcessedTotal.WithLabelValues(info.GroupID).Inc()
	return true, nil
}

// apply executes every pair's actions and acknowledges its source message,
// all inside one backend transaction.
func (rt *Router) apply(ctx context.Context, claim *backend.WorkClaim, pairs []reactor.Pair) error {
	return rt.store.Transaction(ctx, func(ctx context.Context) error {
		for _, pair := range pairs {
			for _, action := range pair.Actions {
				if err := action.Execute(ctx, rt.store, pair.Source); err != nil {
					return err
				}
			}
			if err := rt.store.Ack(ctx, claim.GroupID, pair.Source.StreamID, pair.Source.GlobalSeq); err != nil {
				return err
			}
		}
		return nil
	})
}

func (rt *Router) release(ctx context.Context, offsetID int64, groupLog zerolog.Logger) {
	if err := rt.store.ReleaseClaim(ctx, offsetID); err != nil {
		groupLog.Warn().Err(err).Msg("release claim after failure")
	}
}

// onFailure routes a batch failure through the group's ErrorStrategy,
// atomically persisting its decision against the group row.
func (rt *Router) onFailure(ctx context.Context, groupID string, cause error, groupLog zerolog.Logger) {
	var decision errstrategy.Decision
	updErr := rt.store.UpdatingConsumerGroup(ctx, groupID, func(ctx context.Context, u *backend.GroupUpdater) error {
		decision = rt.strategy.Decide(cause, u.Group.ErrorContext)
		if decision.Stop {
			u.Stop(decision.StopReason)
			return nil
		}
		u.Retry(decision.RetryAt, decision.RetryContext)
		return nil
	})
	if updErr != nil {
		groupLog.Error().Err(updErr).Msg("persist error strategy decision")
		return
	}

	if d, ok := rt.strategy.(*errstrategy.Default); ok {
		if decision.Stop {
			if d.OnStop != nil {
				d.OnStop(groupID, decision.StopReason)
			}
		} else if d.OnRetry != nil {
			attempt, _ := decision.RetryContext["retry_count"].(int)
			d.OnRetry(groupID, attempt, decision.RetryAt)
		}
	}

	group, err := rt.store.GetConsumerGroup(ctx, groupID)
	if err != nil {
		return
	}
	if group.Status == backend.GroupStopped {
		metrics.GroupsStopped.Inc()
		groupLog.Error().Err(cause).Msg("consumer group stopped")
		return
	}
	if group.RetryAt != nil {
		retryCount := 0
		switch rc := group.ErrorContext["retry_count"].(type) {
		case int:
			retryCount = rc
		case float64:
			retryCount = int(rc)
		}
		metrics.GroupRetryCount.WithLabelValues(groupID).Set(float64(retryCount))
		groupLog.Warn().Err(cause).Time("retry_at", *group.RetryAt).Msg("consumer group scheduled for retry")
	}
}

// StreamLockKey identifies the (group, stream) unit a claim serializes
// on — exposed for tests that want to assert non-overlapping claims.
func StreamLockKey(groupID, streamID string) string {
	return groupID + "/" + streamID
}
