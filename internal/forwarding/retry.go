package forwarding

import (
	"context"
	"sync"

	"github.com/cenkalti/backoff/v5"

	"github.com/conduitnetwork/conduit/errs"
	"github.com/conduitnetwork/conduit/internal/channel"
	"github.com/conduitnetwork/conduit/internal/observability"
	"github.com/conduitnetwork/conduit/internal/schema"
)

// retryJob is one stalled engine update waiting for another attempt: either a
// receiver-side creation held back by an offline counterparty, or a
// sender-side resolution the engine rejected. Exactly one of create and
// resolve is set.
type retryJob struct {
	forward schema.ForwardedTransfer
	create  *channel.CreateTransferParams
	resolve *channel.ResolveTransferParams
}

// retryQueue re-attempts stalled engine updates with exponential backoff.
// Creations that exhaust their attempts fall into the uniform recovery path;
// resolutions stay in Forwarded state for check-in to re-drive.
type retryQueue struct {
	orch *Orchestrator
	jobs chan retryJob

	wg      sync.WaitGroup
	started bool
}

func newRetryQueue(orch *Orchestrator, size int) *retryQueue {
	return &retryQueue{
		orch: orch,
		jobs: make(chan retryJob, size),
	}
}

func (q *retryQueue) start(ctx context.Context) {
	if q.started {
		return
	}
	q.started = true
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case job, ok := <-q.jobs:
				if !ok {
					return
				}
				if job.resolve != nil {
					q.processResolve(ctx, job)
				} else {
					q.processCreate(ctx, job)
				}
			}
		}
	}()
}

func (q *retryQueue) stop() {
	q.wg.Wait()
}

// enqueue adds a job without blocking. A full queue is an
// ErrorQueuingReceiverUpdate so the caller can recover the sender transfer.
func (q *retryQueue) enqueue(job retryJob) error {
	select {
	case q.jobs <- job:
		return nil
	default:
		return errs.New(errs.DomainForwardCreation, errs.ErrorQueuingReceiverUpdate,
			errs.WithMessage("receiver update queue full"),
			errs.WithField("routingId", job.forward.RoutingID))
	}
}

// processCreate retries one receiver creation until it succeeds, hits a
// permanent error or runs out of attempts.
func (q *retryQueue) processCreate(ctx context.Context, job retryJob) {
	o := q.orch

	operation := func() (schema.Transfer, error) {
		created, err := o.engine.CreateTransfer(ctx, *job.create)
		if err == nil {
			return created, nil
		}
		if reason, ok := errs.ReasonOf(err); ok && reason == errs.ReceiverOffline {
			return schema.Transfer{}, err
		}
		return schema.Transfer{}, backoff.Permanent(err)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = o.cfg.RetryBackoff

	created, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(o.cfg.RetryAttempts)))

	unlock := o.locks.Lock(job.forward.RoutingID)
	defer unlock()

	forward := job.forward
	if current, ok, getErr := o.forwards.GetForward(ctx, forward.RoutingID); getErr == nil && ok {
		if current.Status.Terminal() || current.Status == schema.ForwardForwarded {
			// Someone else completed or recovered this forward while we were
			// backing off.
			return
		}
		forward = current
	}

	if err != nil {
		observability.Log().Warn("forwarding: receiver update retries exhausted",
			observability.F("routingId", forward.RoutingID),
			observability.F("error", err.Error()))
		o.recoverForward(ctx, &forward, errs.New(errs.DomainForwardCreation, errs.ReceiverOffline,
			errs.WithMessage("receiver stayed offline through retry window"),
			errs.WithCause(err)))
		return
	}
	o.finalizeForward(ctx, &forward, created)
}

// processResolve retries one sender-side resolution. Exhausted attempts leave
// the forward in Forwarded state; the funds stay locked until check-in
// re-drives the mirror.
func (q *retryQueue) processResolve(ctx context.Context, job retryJob) {
	o := q.orch

	operation := func() (schema.Transfer, error) {
		return o.engine.ResolveTransfer(ctx, *job.resolve)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = o.cfg.RetryBackoff

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(o.cfg.RetryAttempts)))

	unlock := o.locks.Lock(job.forward.RoutingID)
	defer unlock()

	forward := job.forward
	if current, ok, getErr := o.forwards.GetForward(ctx, forward.RoutingID); getErr == nil && ok {
		if current.Status != schema.ForwardForwarded {
			// Resolved or recovered elsewhere while we were backing off.
			return
		}
		forward = current
	}

	if err != nil {
		observability.Log().Error("forwarding: sender resolution retries exhausted, will re-drive on check-in",
			observability.F("routingId", forward.RoutingID),
			observability.F("senderTransferId", forward.SenderTransferID),
			observability.F("error", err.Error()))
		return
	}
	o.completeResolution(ctx, &forward)
}
