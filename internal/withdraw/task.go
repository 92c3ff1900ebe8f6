// Package withdraw resubmits double-signed withdrawal commitments whose
// on-chain transaction never landed. Counterparties normally submit their own
// withdrawals; the router rescues the ones that have gone stale, and submits
// fresh ones early while gas is cheap.
package withdraw

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/conduitnetwork/conduit/errs"
	"github.com/conduitnetwork/conduit/internal/bus"
	"github.com/conduitnetwork/conduit/internal/chain"
	"github.com/conduitnetwork/conduit/internal/config"
	"github.com/conduitnetwork/conduit/internal/observability"
	"github.com/conduitnetwork/conduit/internal/schema"
	"github.com/conduitnetwork/conduit/internal/store"
)

// gasBumpFactor raises the gas price when speeding up a submission that did
// not mine on the first broadcast.
var gasBumpFactor = decimal.NewFromFloat(1.25)

// Task periodically resubmits eligible unmined commitments, throttled so a
// large backlog cannot flood the chain service.
type Task struct {
	cfg         config.WithdrawConfig
	chain       chain.Service
	commitments store.WithdrawStore
	bus         bus.Bus

	limiter *rate.Limiter
	now     func() time.Time

	submittedCounter metric.Int64Counter
	failedCounter    metric.Int64Counter
}

// NewTask wires the resubmission task.
func NewTask(cfg config.WithdrawConfig, chainSvc chain.Service, commitments store.WithdrawStore, b bus.Bus) *Task {
	t := new(Task)
	t.cfg = cfg
	if t.cfg.Interval <= 0 {
		t.cfg.Interval = 10 * time.Minute
	}
	if t.cfg.MaxParallel <= 0 {
		t.cfg.MaxParallel = 8
	}
	t.chain = chainSvc
	t.commitments = commitments
	t.bus = b

	limit := rate.Inf
	if cfg.SubmitsPerSec > 0 {
		limit = rate.Limit(cfg.SubmitsPerSec)
	}
	t.limiter = rate.NewLimiter(limit, 1)
	t.now = time.Now

	meter := otel.Meter("withdraw")
	t.submittedCounter, _ = meter.Int64Counter("withdraw.submissions",
		metric.WithDescription("Number of withdrawal transactions submitted"),
		metric.WithUnit("{tx}"))
	t.failedCounter, _ = meter.Int64Counter("withdraw.failures",
		metric.WithDescription("Number of withdrawal submissions that failed"),
		metric.WithUnit("{tx}"))
	return t
}

// Run sweeps on a timer until the context ends.
func (t *Task) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// sweep walks every unmined commitment. Stale ones are always resubmitted;
// fresh ones go early only when gas is below the configured ceiling.
func (t *Task) sweep(ctx context.Context) {
	unmined, err := t.commitments.ListUnmined(ctx, t.now())
	if err != nil {
		observability.Log().Error("withdraw: could not list unmined commitments",
			observability.F("error", err.Error()))
		return
	}
	if len(unmined) == 0 {
		return
	}
	observability.Log().Info("withdraw: sweeping unmined commitments",
		observability.F("count", strconv.Itoa(len(unmined))))

	p := concpool.New().WithMaxGoroutines(t.cfg.MaxParallel)
	for _, commitment := range unmined {
		c := commitment
		p.Go(func() {
			if err := t.submit(ctx, c, false); err != nil {
				observability.Log().Warn("withdraw: resubmission failed",
					observability.F("channelAddress", c.ChannelAddress),
					observability.F("transferId", c.TransferID),
					observability.F("error", err.Error()))
			}
		})
	}
	p.Wait()
}

// Resubmit drives one commitment by hand, bypassing the staleness and gas
// gates. It is the entry point behind the admin API.
func (t *Task) Resubmit(ctx context.Context, channelAddress, transferID string) (schema.WithdrawalCommitment, error) {
	commitment, ok, err := t.commitments.GetCommitment(ctx, channelAddress, transferID)
	if err != nil {
		return schema.WithdrawalCommitment{}, err
	}
	if !ok {
		return schema.WithdrawalCommitment{}, errs.New(errs.DomainServer, errs.CommitmentNotFound,
			errs.WithHTTP(http.StatusNotFound),
			errs.WithField("channelAddress", channelAddress),
			errs.WithField("transferId", transferID))
	}
	if !commitment.Submittable() {
		return commitment, errs.New(errs.DomainServer, errs.CommitmentNotSubmittable,
			errs.WithHTTP(http.StatusBadRequest),
			errs.WithMessage("commitment is unsigned or already mined"),
			errs.WithField("channelAddress", channelAddress),
			errs.WithField("transferId", transferID))
	}
	if err := t.submit(ctx, commitment, true); err != nil {
		return commitment, err
	}
	updated, _, err := t.commitments.GetCommitment(ctx, channelAddress, transferID)
	if err != nil {
		return commitment, err
	}
	return updated, nil
}

// submit broadcasts the commitment at the current gas price, bumping the fee
// once if the first broadcast does not mine. A still-unmined commitment stays
// submittable for the next sweep. Unless forced, a commitment inside the
// staleness window only goes out while gas is at or below the ceiling; once
// stale it is submitted no matter what gas costs.
func (t *Task) submit(ctx context.Context, commitment schema.WithdrawalCommitment, force bool) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	gasPrice, err := t.chain.GasPrice(ctx, commitment.ChainID)
	if err != nil {
		return t.reportFailure(ctx, commitment, err)
	}
	if !force {
		stale := t.now().Sub(commitment.CreatedAt) > t.cfg.StalenessWindow
		cheapGas := t.cfg.GasPriceCeiling.IsPositive() && gasPrice.LessThanOrEqual(t.cfg.GasPriceCeiling)
		if !stale && !cheapGas {
			observability.Log().Debug("withdraw: commitment fresh and gas above ceiling, deferring",
				observability.F("transferId", commitment.TransferID),
				observability.F("chainId", strconv.FormatInt(commitment.ChainID, 10)),
				observability.F("gasPrice", gasPrice.String()),
				observability.F("ceiling", t.cfg.GasPriceCeiling.String()))
			return nil
		}
	}

	receipt, err := t.chain.SubmitWithdrawal(ctx, commitment, gasPrice)
	if err != nil {
		return t.reportFailure(ctx, commitment, err)
	}
	if !receipt.Mined && receipt.TransactionHash != "" {
		sped, err := t.chain.SpeedUpTx(ctx, chain.SpeedUpParams{
			ChainID:         commitment.ChainID,
			TransactionHash: receipt.TransactionHash,
			To:              commitment.Recipient,
			Value:           commitment.Amount,
			Nonce:           receipt.Nonce,
			GasPrice:        gasPrice.Mul(gasBumpFactor),
		})
		if err != nil {
			observability.Log().Warn("withdraw: speed-up failed",
				observability.F("transactionHash", receipt.TransactionHash),
				observability.F("error", err.Error()))
		} else {
			receipt = sped
		}
	}
	if !receipt.Mined {
		// Leave the commitment unmined; resubmission is idempotent on the
		// chain service side.
		return nil
	}

	if err := t.commitments.MarkMined(ctx, commitment.ChannelAddress, commitment.TransferID, receipt.TransactionHash); err != nil {
		return err
	}
	if t.submittedCounter != nil {
		t.submittedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.Int64("chain_id", commitment.ChainID)))
	}
	observability.Log().Info("withdraw: commitment mined",
		observability.F("channelAddress", commitment.ChannelAddress),
		observability.F("transferId", commitment.TransferID),
		observability.F("transactionHash", receipt.TransactionHash))

	_ = t.bus.Publish(ctx, schema.Event{
		Kind: schema.KindWithdrawalSubmitted,
		At:   t.now().UTC(),
		Payload: schema.WithdrawalSubmittedPayload{
			ChannelAddress:  commitment.ChannelAddress,
			TransferID:      commitment.TransferID,
			TransactionHash: receipt.TransactionHash,
		},
	})
	return nil
}

func (t *Task) reportFailure(ctx context.Context, commitment schema.WithdrawalCommitment, cause error) error {
	if t.failedCounter != nil {
		t.failedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.Int64("chain_id", commitment.ChainID)))
	}
	_ = t.bus.Publish(ctx, schema.Event{
		Kind: schema.KindWithdrawalSubmitted,
		At:   t.now().UTC(),
		Payload: schema.WithdrawalSubmittedPayload{
			ChannelAddress: commitment.ChannelAddress,
			TransferID:     commitment.TransferID,
			Err:            cause.Error(),
		},
	})
	return cause
}
