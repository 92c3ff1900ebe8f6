package collateral

import (
	"context"

	"github.com/conduitnetwork/conduit/internal/observability"
	"github.com/conduitnetwork/conduit/internal/schema"
)

const listenerOwner = "collateral"

// Listener reacts to engine events that change channel funding: collateral
// requests from counterparties and deposits folded into channel state.
type Listener struct {
	svc *Service
}

// NewListener wires the collateral event listener.
func NewListener(svc *Service) *Listener {
	return &Listener{svc: svc}
}

// Run consumes collateral-request and deposit-reconciled events until the
// context ends.
func (l *Listener) Run(ctx context.Context) error {
	reqID, requests, err := l.svc.bus.Subscribe(ctx, schema.KindRequestCollateral, listenerOwner, nil)
	if err != nil {
		return err
	}
	defer l.svc.bus.Unsubscribe(reqID)

	depID, deposits, err := l.svc.bus.Subscribe(ctx, schema.KindDepositReconciled, listenerOwner, nil)
	if err != nil {
		return err
	}
	defer l.svc.bus.Unsubscribe(depID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-requests:
			if !ok {
				return nil
			}
			payload, isRequest := evt.Payload.(schema.RequestCollateralPayload)
			if !isRequest {
				continue
			}
			if _, err := l.svc.EnsureCollateral(ctx, payload.ChannelAddress, payload.AssetID, payload.Amount); err != nil {
				observability.Log().Warn("collateral: request not honored",
					observability.F("channelAddress", payload.ChannelAddress),
					observability.F("assetId", payload.AssetID),
					observability.F("error", err.Error()))
			}
		case evt, ok := <-deposits:
			if !ok {
				return nil
			}
			payload, isDeposit := evt.Payload.(schema.DepositReconciledPayload)
			if !isDeposit {
				continue
			}
			l.refreshChannel(ctx, payload.ChannelAddress)
		}
	}
}

// refreshChannel pulls the post-deposit channel state so registry balances
// stay current for collateral decisions.
func (l *Listener) refreshChannel(ctx context.Context, channelAddress string) {
	ch, err := l.svc.engine.GetChannel(ctx, channelAddress)
	if err != nil {
		observability.Log().Warn("collateral: could not refresh channel after deposit",
			observability.F("channelAddress", channelAddress),
			observability.F("error", err.Error()))
		return
	}
	l.svc.registry.Upsert(ch)
}
