// Package collateral maintains router-side channel balances: just-in-time
// top-ups before forwards and reclaim of idle liquidity.
package collateral

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/conduitnetwork/conduit/errs"
	"github.com/conduitnetwork/conduit/internal/bus"
	"github.com/conduitnetwork/conduit/internal/chain"
	"github.com/conduitnetwork/conduit/internal/channel"
	"github.com/conduitnetwork/conduit/internal/config"
	"github.com/conduitnetwork/conduit/internal/observability"
	"github.com/conduitnetwork/conduit/internal/registry"
	"github.com/conduitnetwork/conduit/internal/schema"
	"github.com/conduitnetwork/conduit/internal/store"
	"github.com/conduitnetwork/conduit/internal/syncutil"
)

// Service tops channels up to their profile target and reclaims excess above
// the reclaim threshold. All mutations for one (channel, asset) pair are
// serialized through a keyed mutex, so concurrent forwards cannot race a
// reclaim into overdraft.
type Service struct {
	engine      channel.Engine
	chain       chain.Service
	profiles    *config.Service
	registry    *registry.Registry
	bus         bus.Bus
	commitments store.WithdrawStore
	signer      string

	locks *syncutil.KeyedMutex

	collateralized metric.Int64Counter
	reclaimed      metric.Int64Counter
}

// NewService wires the collateral service. Reclaimed withdrawal commitments
// are persisted through commitments so the resubmission task can rescue them.
func NewService(engine channel.Engine, chainSvc chain.Service, profiles *config.Service, reg *registry.Registry, b bus.Bus, commitments store.WithdrawStore, signerAddress string) *Service {
	s := new(Service)
	s.engine = engine
	s.chain = chainSvc
	s.profiles = profiles
	s.registry = reg
	s.bus = b
	s.commitments = commitments
	s.signer = signerAddress
	s.locks = syncutil.NewKeyedMutex()

	meter := otel.Meter("collateral")
	s.collateralized, _ = meter.Int64Counter("collateral.topups",
		metric.WithDescription("Number of completed channel top-ups"),
		metric.WithUnit("{topup}"))
	s.reclaimed, _ = meter.Int64Counter("collateral.reclaims",
		metric.WithDescription("Number of completed collateral reclaims"),
		metric.WithUnit("{reclaim}"))
	return s
}

// EnsureCollateral guarantees the router balance in the channel covers
// requested. A balance that already covers the request is a no-op even when it
// sits below the profile target; only when a deposit is needed anyway does the
// top-up reach for max(target, requested). It returns the channel state after
// any reconciliation. A zero requested amount tops up to the profile target.
func (s *Service) EnsureCollateral(ctx context.Context, channelAddress, assetID string, requested decimal.Decimal) (schema.Channel, error) {
	unlock := s.locks.Lock(lockKey(channelAddress, assetID))
	defer unlock()

	ch, err := s.loadChannel(ctx, channelAddress)
	if err != nil {
		return schema.Channel{}, err
	}

	profile, err := s.profiles.RebalanceProfileFor(ch.ChainID, assetID)
	if err != nil {
		return schema.Channel{}, err
	}

	required := requested
	if !required.IsPositive() {
		required = profile.Target
	}

	view, _ := ch.BalanceViewFor(assetID, s.registry.RouterIdentifier())
	if view.RouterBalance.GreaterThanOrEqual(required) {
		return ch, nil
	}

	target := profile.Target
	if required.GreaterThan(target) {
		target = required
	}
	amount := target.Sub(view.RouterBalance)

	wallet, err := s.chain.OnChainBalance(ctx, ch.ChainID, assetID)
	if err != nil {
		return schema.Channel{}, errs.New(errs.DomainCollateral, errs.UnableToCollateralize,
			errs.WithMessage("could not read wallet balance"), errs.WithCause(err),
			errs.WithField("channelAddress", channelAddress))
	}
	if wallet.LessThan(amount) {
		return schema.Channel{}, errs.New(errs.DomainCollateral, errs.UnableToCollateralize,
			errs.WithMessage("wallet balance below required top-up"),
			errs.WithField("wallet", wallet.String()),
			errs.WithField("required", amount.String()),
			errs.WithField("channelAddress", channelAddress))
	}

	if _, err := s.chain.SendDepositTx(ctx, chain.DepositParams{
		ChannelAddress: channelAddress,
		ChainID:        ch.ChainID,
		AssetID:        assetID,
		Amount:         amount,
	}); err != nil {
		return schema.Channel{}, errs.New(errs.DomainCollateral, errs.UnableToCollateralize,
			errs.WithCause(err), errs.WithField("channelAddress", channelAddress))
	}

	updated, err := s.engine.Deposit(ctx, channelAddress, assetID)
	if err != nil {
		return schema.Channel{}, errs.New(errs.DomainCollateral, errs.UnableToCollateralize,
			errs.WithMessage("deposit reconciliation failed"), errs.WithCause(err),
			errs.WithField("channelAddress", channelAddress))
	}
	s.registry.Upsert(updated)

	if s.collateralized != nil {
		s.collateralized.Add(ctx, 1, metric.WithAttributes(
			attribute.Int64("chain_id", ch.ChainID)))
	}
	observability.Log().Info("collateral: channel topped up",
		observability.F("channelAddress", channelAddress),
		observability.F("assetId", assetID),
		observability.F("amount", amount.String()))

	_ = s.bus.Publish(ctx, schema.Event{
		Kind: schema.KindCollateralized,
		At:   time.Now().UTC(),
		Payload: schema.CollateralizedPayload{
			ChannelAddress: channelAddress,
			AssetID:        assetID,
			Amount:         amount,
		},
	})
	return updated, nil
}

// ReclaimExcess withdraws router balance above the reclaim threshold back
// down to the profile target. The second return reports whether a withdrawal
// was started.
func (s *Service) ReclaimExcess(ctx context.Context, channelAddress, assetID string) (schema.WithdrawalCommitment, bool, error) {
	unlock := s.locks.Lock(lockKey(channelAddress, assetID))
	defer unlock()

	ch, err := s.loadChannel(ctx, channelAddress)
	if err != nil {
		return schema.WithdrawalCommitment{}, false, err
	}

	profile, err := s.profiles.RebalanceProfileFor(ch.ChainID, assetID)
	if err != nil {
		return schema.WithdrawalCommitment{}, false, err
	}

	view, _ := ch.BalanceViewFor(assetID, s.registry.RouterIdentifier())
	if view.RouterBalance.LessThanOrEqual(profile.ReclaimThreshold) {
		return schema.WithdrawalCommitment{}, false, nil
	}
	amount := view.RouterBalance.Sub(profile.Target)

	commitment, err := s.engine.Withdraw(ctx, channel.WithdrawParams{
		ChannelAddress: channelAddress,
		AssetID:        assetID,
		Amount:         amount,
		Recipient:      s.signer,
	})
	if err != nil {
		return schema.WithdrawalCommitment{}, false, errs.New(errs.DomainCollateral, errs.UnableToReclaim,
			errs.WithCause(err),
			errs.WithField("channelAddress", channelAddress),
			errs.WithField("amount", amount.String()))
	}

	if s.commitments != nil {
		if err := s.commitments.SaveCommitment(ctx, commitment); err != nil {
			observability.Log().Error("collateral: could not persist withdrawal commitment",
				observability.F("channelAddress", channelAddress),
				observability.F("transferId", commitment.TransferID),
				observability.F("error", err.Error()))
		}
	}

	if s.reclaimed != nil {
		s.reclaimed.Add(ctx, 1, metric.WithAttributes(
			attribute.Int64("chain_id", ch.ChainID)))
	}
	observability.Log().Info("collateral: excess reclaimed",
		observability.F("channelAddress", channelAddress),
		observability.F("assetId", assetID),
		observability.F("amount", amount.String()))
	return commitment, true, nil
}

// loadChannel prefers the registry and falls back to the engine so a cold
// start can still collateralize.
func (s *Service) loadChannel(ctx context.Context, channelAddress string) (schema.Channel, error) {
	if ch, ok := s.registry.ByAddress(channelAddress); ok {
		return ch, nil
	}
	ch, err := s.engine.GetChannel(ctx, channelAddress)
	if err != nil {
		return schema.Channel{}, errs.New(errs.DomainCollateral, errs.ChannelNotFound,
			errs.WithCause(err), errs.WithField("channelAddress", channelAddress))
	}
	if !ch.Participant(s.registry.RouterIdentifier()) {
		return schema.Channel{}, errs.New(errs.DomainCollateral, errs.NotInChannel,
			errs.WithField("channelAddress", channelAddress))
	}
	s.registry.Upsert(ch)
	return ch, nil
}

func lockKey(channelAddress, assetID string) string {
	return channelAddress + "|" + assetID
}
