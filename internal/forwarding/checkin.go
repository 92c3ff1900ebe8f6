package forwarding

import (
	"context"
	"strconv"
	"time"

	concpool "github.com/sourcegraph/conc/pool"

	"github.com/conduitnetwork/conduit/errs"
	"github.com/conduitnetwork/conduit/internal/bus"
	"github.com/conduitnetwork/conduit/internal/observability"
	"github.com/conduitnetwork/conduit/internal/registry"
	"github.com/conduitnetwork/conduit/internal/schema"
)

const checkInOwner = "checkin"

// CheckInTask re-drives stalled work whenever a counterparty signals
// liveness, and sweeps all channels on a timer for counterparties that never
// check in.
type CheckInTask struct {
	orch     *Orchestrator
	registry *registry.Registry
	bus      bus.Bus
	interval time.Duration
}

// NewCheckInTask wires the check-in task.
func NewCheckInTask(orch *Orchestrator, reg *registry.Registry, b bus.Bus, interval time.Duration) *CheckInTask {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	t := new(CheckInTask)
	t.orch = orch
	t.registry = reg
	t.bus = b
	t.interval = interval
	return t
}

// Run consumes is-alive events and runs the periodic sweep until the context
// ends.
func (t *CheckInTask) Run(ctx context.Context) error {
	id, ch, err := t.bus.Subscribe(ctx, schema.KindIsAlive, checkInOwner, nil)
	if err != nil {
		return err
	}
	defer t.bus.Unsubscribe(id)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			payload, isAlive := evt.Payload.(schema.IsAlivePayload)
			if !isAlive || payload.SkipCheckIn {
				continue
			}
			if err := t.orch.HandleCheckIn(ctx, payload.ChannelAddress); err != nil {
				observability.Log().Warn("checkin: channel check-in incomplete",
					observability.F("channelAddress", payload.ChannelAddress),
					observability.F("error", err.Error()))
			}
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// sweep runs a check-in for every known channel in parallel.
func (t *CheckInTask) sweep(ctx context.Context) {
	channels := t.registry.All()
	if len(channels) == 0 {
		return
	}
	p := concpool.New().WithMaxGoroutines(4)
	for _, ch := range channels {
		address := ch.Address
		p.Go(func() {
			if err := t.orch.HandleCheckIn(ctx, address); err != nil {
				observability.Log().Warn("checkin: sweep incomplete",
					observability.F("channelAddress", address),
					observability.F("error", err.Error()))
			}
		})
	}
	p.Wait()
}

// HandleCheckIn re-drives the channel's stalled forwards: pending sender
// transfers are forwarded again, unresolved mirrors are re-checked, and
// excess collateral is reclaimed.
func (o *Orchestrator) HandleCheckIn(ctx context.Context, channelAddress string) error {
	active, err := o.engine.GetActiveTransfers(ctx, channelAddress)
	if err != nil {
		return errs.New(errs.DomainCheckIn, errs.CouldNotGetActiveTransfers,
			errs.WithCause(err), errs.WithField("channelAddress", channelAddress))
	}

	var failed int

	// Re-drive inbound transfers that never made it to the receiver side.
	// HandleTransferCreated is idempotent per routing id, so transfers whose
	// forward already advanced fall through immediately.
	for _, transfer := range active {
		if transfer.Responder != o.cfg.RouterIdentifier || len(transfer.Meta) == 0 {
			continue
		}
		o.HandleTransferCreated(ctx, schema.TransferCreatedPayload{
			ChannelAddress: channelAddress,
			Transfer:       transfer,
		})
	}

	// Re-check forwarded transfers whose receiver leg may have resolved while
	// the sender was unreachable.
	forwarded, err := o.forwards.ListForwardsByStatus(ctx, schema.ForwardForwarded)
	if err != nil {
		return errs.New(errs.DomainCheckIn, errs.TasksFailed,
			errs.WithCause(err), errs.WithField("channelAddress", channelAddress))
	}
	for _, forward := range forwarded {
		if forward.SenderChannel != channelAddress {
			continue
		}
		if err := o.redriveResolution(ctx, forward); err != nil {
			failed++
			observability.Log().Warn("checkin: could not re-drive resolution",
				observability.F("routingId", forward.RoutingID),
				observability.F("error", err.Error()))
		}
	}

	// Reclaim idle collateral for every asset the channel holds.
	if ch, ok := o.registry.ByAddress(channelAddress); ok {
		for _, asset := range ch.Assets {
			if _, _, err := o.collateral.ReclaimExcess(ctx, channelAddress, asset.AssetID); err != nil {
				if reason, hasReason := errs.ReasonOf(err); hasReason && reason == errs.UnableToGetRebalanceProfile {
					continue
				}
				failed++
				observability.Log().Warn("checkin: reclaim failed",
					observability.F("channelAddress", channelAddress),
					observability.F("assetId", asset.AssetID),
					observability.F("error", err.Error()))
			}
		}
	}

	if failed > 0 {
		return errs.New(errs.DomainCheckIn, errs.TasksFailed,
			errs.WithField("channelAddress", channelAddress),
			errs.WithField("failed", strconv.Itoa(failed)))
	}
	return nil
}

// redriveResolution fetches the receiver leg and mirrors its resolver if it
// has resolved since the last attempt.
func (o *Orchestrator) redriveResolution(ctx context.Context, forward schema.ForwardedTransfer) error {
	unlock := o.locks.Lock(forward.RoutingID)
	defer unlock()

	current, ok, err := o.forwards.GetForward(ctx, forward.RoutingID)
	if err != nil {
		return err
	}
	if !ok || current.Status != schema.ForwardForwarded {
		return nil
	}

	receiverLeg, found, err := o.engine.GetTransferByRoutingID(ctx, current.ReceiverChannel, current.RoutingID)
	if err != nil {
		return errs.New(errs.DomainForwardResolution, errs.IncomingChannelNotFound, errs.WithCause(err))
	}
	if !found || len(receiverLeg.Resolver) == 0 {
		// Receiver leg still unresolved; nothing to mirror yet.
		return nil
	}
	o.mirrorResolution(ctx, &current, receiverLeg.Resolver)
	return nil
}
