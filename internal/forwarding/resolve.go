package forwarding

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/conduitnetwork/conduit/errs"
	"github.com/conduitnetwork/conduit/internal/channel"
	"github.com/conduitnetwork/conduit/internal/observability"
	"github.com/conduitnetwork/conduit/internal/schema"
)

// HandleTransferResolved mirrors a receiver-side resolution back to the
// sender channel. Replays are idempotent: a forward already marked resolved
// is left untouched.
func (o *Orchestrator) HandleTransferResolved(ctx context.Context, payload schema.TransferResolvedPayload) {
	transfer := payload.Transfer
	if transfer.Initiator != o.cfg.RouterIdentifier {
		// Only receiver-leg transfers, which the router created, are mirrored.
		return
	}
	if len(transfer.Meta) == 0 {
		return
	}
	meta, err := schema.ParseRoutingMeta(transfer.Meta)
	if err != nil {
		observability.Log().Warn("forwarding: resolved transfer without routing meta",
			observability.F("transferId", transfer.TransferID))
		return
	}

	unlock := o.locks.Lock(meta.RoutingID)
	defer unlock()

	forward, ok, err := o.forwards.GetForward(ctx, meta.RoutingID)
	if err != nil {
		observability.Log().Error("forwarding: could not load forward for resolution",
			observability.F("routingId", meta.RoutingID),
			observability.F("error", err.Error()))
		return
	}
	if !ok {
		observability.Log().Warn("forwarding: resolution for unknown routing id",
			observability.F("routingId", meta.RoutingID))
		return
	}
	if forward.Status == schema.ForwardResolved {
		return
	}
	if forward.Status.Terminal() {
		observability.Log().Warn("forwarding: resolution after terminal state",
			observability.F("routingId", meta.RoutingID),
			observability.F("status", string(forward.Status)))
		return
	}

	if len(transfer.Resolver) == 0 {
		// The receiver leg was cancelled; void the sender leg the same way.
		o.recoverForward(ctx, &forward, errs.New(errs.DomainForwardResolution, errs.ErrorResolvingTransfer,
			errs.WithMessage("receiver transfer cancelled")))
		return
	}

	o.mirrorResolution(ctx, &forward, transfer.Resolver)
}

// mirrorResolution resolves the sender transfer with the receiver's resolver.
// A failed attempt goes through the retry queue; if even queueing fails the
// forward stays in Forwarded state for check-in to re-drive.
func (o *Orchestrator) mirrorResolution(ctx context.Context, forward *schema.ForwardedTransfer, resolver []byte) {
	params := channel.ResolveTransferParams{
		ChannelAddress: forward.SenderChannel,
		TransferID:     forward.SenderTransferID,
		Resolver:       resolver,
	}
	if _, err := o.engine.ResolveTransfer(ctx, params); err != nil {
		observability.Log().Warn("forwarding: sender resolution failed, queueing retry",
			observability.F("routingId", forward.RoutingID),
			observability.F("senderTransferId", forward.SenderTransferID),
			observability.F("error", err.Error()))
		if queueErr := o.retry.enqueue(retryJob{forward: *forward, resolve: &params}); queueErr != nil {
			observability.Log().Error("forwarding: could not queue sender resolution, will re-drive on check-in",
				observability.F("routingId", forward.RoutingID),
				observability.F("error", queueErr.Error()))
		}
		return
	}
	o.completeResolution(ctx, forward)
}

// completeResolution records the mirrored resolution as terminal.
func (o *Orchestrator) completeResolution(ctx context.Context, forward *schema.ForwardedTransfer) {
	forward.Status = schema.ForwardResolved
	forward.UpdatedAt = o.now().UTC()
	if err := o.forwards.UpsertForward(ctx, *forward); err != nil {
		observability.Log().Error("forwarding: could not persist resolved state",
			observability.F("routingId", forward.RoutingID),
			observability.F("error", err.Error()))
		return
	}
	if o.resolvedCounter != nil {
		o.resolvedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("sender_channel", forward.SenderChannel)))
	}
	observability.Log().Info("forwarding: resolution mirrored to sender",
		observability.F("routingId", forward.RoutingID))
}
