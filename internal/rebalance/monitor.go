// Package rebalance keeps the router's on-chain liquidity near its configured
// targets by moving surplus funds across chains through the bridge.
package rebalance

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/conduitnetwork/conduit/errs"
	"github.com/conduitnetwork/conduit/internal/bus"
	"github.com/conduitnetwork/conduit/internal/chain"
	"github.com/conduitnetwork/conduit/internal/config"
	"github.com/conduitnetwork/conduit/internal/observability"
	"github.com/conduitnetwork/conduit/internal/schema"
	"github.com/conduitnetwork/conduit/internal/store"
	"github.com/conduitnetwork/conduit/internal/syncutil"
)

// Monitor watches configured (chain, asset) targets and drives rebalance
// actions through their approval, execution and completion steps. At most one
// action is live per pair; an interrupted action is resumed from its persisted
// status on the next tick.
type Monitor struct {
	cfg     config.RebalanceConfig
	lookup  *config.Service
	chain   chain.Service
	actions store.RebalanceStore
	bus     bus.Bus

	locks *syncutil.KeyedMutex
	now   func() time.Time
	newID func() string

	startedCounter   metric.Int64Counter
	completedCounter metric.Int64Counter
	failedCounter    metric.Int64Counter
}

// NewMonitor wires the monitor.
func NewMonitor(cfg config.RebalanceConfig, lookup *config.Service, chainSvc chain.Service, actions store.RebalanceStore, b bus.Bus) *Monitor {
	m := new(Monitor)
	m.cfg = cfg
	if m.cfg.Interval <= 0 {
		m.cfg.Interval = 30 * time.Minute
	}
	m.lookup = lookup
	m.chain = chainSvc
	m.actions = actions
	m.bus = b
	m.locks = syncutil.NewKeyedMutex()
	m.now = time.Now
	m.newID = uuid.NewString

	meter := otel.Meter("rebalance")
	m.startedCounter, _ = meter.Int64Counter("rebalance.actions",
		metric.WithDescription("Number of rebalance actions initiated"),
		metric.WithUnit("{action}"))
	m.completedCounter, _ = meter.Int64Counter("rebalance.completions",
		metric.WithDescription("Number of rebalance actions completed"),
		metric.WithUnit("{action}"))
	m.failedCounter, _ = meter.Int64Counter("rebalance.failures",
		metric.WithDescription("Number of rebalance actions that ended in failure"),
		metric.WithUnit("{action}"))
	return m
}

// Run sweeps the targets until the context ends. Disabled monitors return
// immediately.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.cfg.Enabled {
		observability.Log().Info("rebalance: monitor disabled")
		return nil
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		m.resume(ctx)
		m.evaluate(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// resume re-drives every persisted non-terminal action, picking up where an
// earlier process left off.
func (m *Monitor) resume(ctx context.Context) {
	active, err := m.actions.ListActive(ctx)
	if err != nil {
		observability.Log().Error("rebalance: could not list active actions",
			observability.F("error", err.Error()))
		return
	}
	for _, action := range active {
		unlock := m.locks.Lock(pairKey(action.ChainID, action.AssetID))
		if _, err := m.advance(ctx, action); err != nil {
			observability.Log().Warn("rebalance: action did not advance",
				observability.F("actionId", action.ID),
				observability.F("error", err.Error()))
		}
		unlock()
	}
}

// evaluate checks each target's wallet balance and starts an action when the
// balance sits above the target band.
func (m *Monitor) evaluate(ctx context.Context) {
	for _, target := range m.cfg.Targets {
		balance, err := m.chain.OnChainBalance(ctx, target.ChainID, target.AssetID)
		if err != nil {
			wrapped := errs.New(errs.DomainAutoRebalance, errs.CouldNotGetAssetBalance,
				errs.WithCause(err),
				errs.WithField("chainId", strconv.FormatInt(target.ChainID, 10)),
				errs.WithField("assetId", target.AssetID))
			observability.Log().Warn("rebalance: balance check failed",
				observability.F("error", wrapped.Error()))
			continue
		}

		upper := target.Target.Add(target.Target.Mul(target.BandPercent).Div(decimal.NewFromInt(100)))
		if balance.LessThanOrEqual(upper) {
			continue
		}
		surplus := balance.Sub(target.Target)

		swaps := m.lookup.CrossChainSwapsFrom(target.AssetID, target.ChainID)
		if len(swaps) == 0 {
			observability.Log().Warn("rebalance: surplus with no cross-chain route",
				observability.F("chainId", strconv.FormatInt(target.ChainID, 10)),
				observability.F("assetId", target.AssetID))
			continue
		}

		if _, err := m.Start(ctx, target.ChainID, swaps[0].ToChainID, target.AssetID, surplus); err != nil {
			if reason, ok := errs.ReasonOf(err); ok && reason == errs.RebalanceInProgress {
				continue
			}
			observability.Log().Warn("rebalance: could not start action",
				observability.F("chainId", strconv.FormatInt(target.ChainID, 10)),
				observability.F("assetId", target.AssetID),
				observability.F("error", err.Error()))
		}
	}
}

// Start creates a rebalance action for the pair and drives it as far as the
// chain allows in one pass. A live action for the same pair is an error.
func (m *Monitor) Start(ctx context.Context, fromChainID, toChainID int64, assetID string, amount decimal.Decimal) (schema.RebalanceAction, error) {
	unlock := m.locks.Lock(pairKey(fromChainID, assetID))
	defer unlock()

	if existing, ok, err := m.actions.ActiveActionForPair(ctx, fromChainID, assetID); err != nil {
		return schema.RebalanceAction{}, errs.New(errs.DomainAutoRebalance, errs.CouldNotCompleteRebalance, errs.WithCause(err))
	} else if ok {
		return existing, errs.New(errs.DomainAutoRebalance, errs.RebalanceInProgress,
			errs.WithHTTP(http.StatusConflict),
			errs.WithField("actionId", existing.ID),
			errs.WithField("chainId", strconv.FormatInt(fromChainID, 10)),
			errs.WithField("assetId", assetID))
	}

	now := m.now().UTC()
	action := schema.RebalanceAction{
		ID:        m.newID(),
		ChainID:   fromChainID,
		ToChainID: toChainID,
		AssetID:   assetID,
		Amount:    amount,
		Status:    schema.RebalanceInitiated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.actions.SaveAction(ctx, action); err != nil {
		return schema.RebalanceAction{}, errs.New(errs.DomainAutoRebalance, errs.CouldNotCompleteRebalance, errs.WithCause(err))
	}
	m.transition(ctx, action)
	if m.startedCounter != nil {
		m.startedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.Int64("chain_id", fromChainID),
			attribute.String("asset_id", assetID)))
	}
	observability.Log().Info("rebalance: action started",
		observability.F("actionId", action.ID),
		observability.F("amount", amount.String()))

	return m.advance(ctx, action)
}

// advance runs the action's state machine until it has to wait for a
// transaction to mine or reaches a terminal status.
func (m *Monitor) advance(ctx context.Context, action schema.RebalanceAction) (schema.RebalanceAction, error) {
	for {
		switch action.Status {
		case schema.RebalanceInitiated:
			receipt, err := m.chain.SendApproveTx(ctx, chain.ApproveParams{
				ChainID: action.ChainID,
				AssetID: action.AssetID,
				Spender: m.spenderFor(action.ChainID, action.AssetID),
				Amount:  action.Amount,
			})
			if err != nil {
				return m.fail(ctx, action, errs.CouldNotCompleteApproval, err)
			}
			// An empty hash means the asset needed no approval step.
			action.ApprovalHash = receipt.TransactionHash
			action.Status = schema.RebalanceApproved
			m.save(ctx, &action)

		case schema.RebalanceApproved:
			if action.ApprovalHash != "" {
				mined, err := m.chain.TxMined(ctx, action.ChainID, action.ApprovalHash)
				if err != nil {
					return action, errs.New(errs.DomainAutoRebalance, errs.CouldNotCompleteApproval, errs.WithCause(err))
				}
				if !mined {
					return action, nil
				}
			}
			receipt, err := m.chain.SendExecuteTx(ctx, chain.ExecuteParams{
				FromChainID: action.ChainID,
				ToChainID:   action.ToChainID,
				AssetID:     action.AssetID,
				Amount:      action.Amount,
			})
			if err != nil {
				return m.fail(ctx, action, errs.CouldNotExecuteRebalance, err)
			}
			if receipt.TransactionHash == "" {
				return m.fail(ctx, action, errs.ExecutedWithoutHash, nil)
			}
			action.ExecutionHash = receipt.TransactionHash
			action.Status = schema.RebalanceExecuted
			m.save(ctx, &action)

		case schema.RebalanceExecuted:
			mined, err := m.chain.TxMined(ctx, action.ChainID, action.ExecutionHash)
			if err != nil {
				return action, errs.New(errs.DomainAutoRebalance, errs.CouldNotCompleteRebalance, errs.WithCause(err))
			}
			if !mined {
				return action, nil
			}
			action.Status = schema.RebalanceCompleted
			m.save(ctx, &action)
			if m.completedCounter != nil {
				m.completedCounter.Add(ctx, 1, metric.WithAttributes(
					attribute.Int64("chain_id", action.ChainID),
					attribute.String("asset_id", action.AssetID)))
			}
			observability.Log().Info("rebalance: action completed",
				observability.F("actionId", action.ID),
				observability.F("executionHash", action.ExecutionHash))

		default:
			return action, nil
		}
	}
}

// fail marks the action terminal and surfaces the cause.
func (m *Monitor) fail(ctx context.Context, action schema.RebalanceAction, reason errs.Reason, cause error) (schema.RebalanceAction, error) {
	action.Status = schema.RebalanceFailed
	m.save(ctx, &action)
	if m.failedCounter != nil {
		m.failedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", string(reason))))
	}

	opts := []errs.Option{errs.WithField("actionId", action.ID)}
	if cause != nil {
		opts = append(opts, errs.WithCause(cause))
	}
	err := errs.New(errs.DomainAutoRebalance, reason, opts...)
	observability.Log().Error("rebalance: action failed",
		observability.F("actionId", action.ID),
		observability.F("error", err.Error()))
	return action, err
}

// save persists the transition and announces it. Persistence errors are
// logged; the in-memory state machine keeps going and the next resume pass
// retries the write through SaveAction's upsert.
func (m *Monitor) save(ctx context.Context, action *schema.RebalanceAction) {
	action.UpdatedAt = m.now().UTC()
	if err := m.actions.SaveAction(ctx, *action); err != nil {
		observability.Log().Error("rebalance: could not persist action",
			observability.F("actionId", action.ID),
			observability.F("status", string(action.Status)),
			observability.F("error", err.Error()))
	}
	m.transition(ctx, *action)
}

func (m *Monitor) transition(ctx context.Context, action schema.RebalanceAction) {
	_ = m.bus.Publish(ctx, schema.Event{
		Kind:    schema.KindRebalanceTransition,
		At:      m.now().UTC(),
		Payload: schema.RebalanceTransitionPayload{Action: action},
	})
}

func (m *Monitor) spenderFor(chainID int64, assetID string) string {
	for _, target := range m.cfg.Targets {
		if target.ChainID == chainID && target.AssetID == assetID {
			return target.Spender
		}
	}
	return ""
}

func pairKey(chainID int64, assetID string) string {
	return strconv.FormatInt(chainID, 10) + "|" + assetID
}
