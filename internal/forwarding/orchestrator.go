// Package forwarding implements the router's core loop: observing inbound
// conditional transfers, creating their receiver-side mirrors and relaying
// resolutions back to the sender.
package forwarding

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/conduitnetwork/conduit/errs"
	"github.com/conduitnetwork/conduit/internal/bus"
	"github.com/conduitnetwork/conduit/internal/channel"
	"github.com/conduitnetwork/conduit/internal/observability"
	"github.com/conduitnetwork/conduit/internal/registry"
	"github.com/conduitnetwork/conduit/internal/schema"
	"github.com/conduitnetwork/conduit/internal/store"
	"github.com/conduitnetwork/conduit/internal/swap"
	"github.com/conduitnetwork/conduit/internal/syncutil"
)

const (
	busOwner       = "forwarding"
	handlerWorkers = 8

	// timeoutDecrement is subtracted from the sender transfer's remaining
	// timeout when setting the receiver leg, keeping the router a resolution
	// window even if the receiver resolves at the last moment.
	timeoutDecrement = 5 * time.Minute
)

// emptyResolver cancels a conditional transfer: resolving with the
// definition's empty resolver voids the lock and returns funds.
var emptyResolver = json.RawMessage(`{}`)

// Collateralizer is the slice of the collateral service the orchestrator and
// check-in task need.
type Collateralizer interface {
	EnsureCollateral(ctx context.Context, channelAddress, assetID string, requested decimal.Decimal) (schema.Channel, error)
	ReclaimExcess(ctx context.Context, channelAddress, assetID string) (schema.WithdrawalCommitment, bool, error)
}

// Config tunes the orchestrator.
type Config struct {
	RouterIdentifier string
	RetryAttempts    int
	RetryBackoff     time.Duration
	QueueSize        int
}

func (c Config) normalize() Config {
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

// Orchestrator owns every forward from sender-side creation to terminal
// state. All work for one routing id runs under a per-key lock, so event
// replays and check-in re-drives cannot interleave with live handling.
type Orchestrator struct {
	cfg        Config
	engine     channel.Engine
	registry   *registry.Registry
	calc       *swap.Calculator
	quoter     *swap.Quoter
	collateral Collateralizer
	forwards   store.ForwardStore
	bus        bus.Bus

	locks *syncutil.KeyedMutex
	retry *retryQueue
	now   func() time.Time

	forwardedCounter metric.Int64Counter
	cancelledCounter metric.Int64Counter
	resolvedCounter  metric.Int64Counter
}

// New wires the orchestrator.
func New(cfg Config, engine channel.Engine, reg *registry.Registry, calc *swap.Calculator, quoter *swap.Quoter, coll Collateralizer, forwards store.ForwardStore, b bus.Bus) *Orchestrator {
	o := new(Orchestrator)
	o.cfg = cfg.normalize()
	o.engine = engine
	o.registry = reg
	o.calc = calc
	o.quoter = quoter
	o.collateral = coll
	o.forwards = forwards
	o.bus = b
	o.locks = syncutil.NewKeyedMutex()
	o.retry = newRetryQueue(o, o.cfg.QueueSize)
	o.now = time.Now

	meter := otel.Meter("forwarding")
	o.forwardedCounter, _ = meter.Int64Counter("forwarding.forwards",
		metric.WithDescription("Number of receiver-side transfers created"),
		metric.WithUnit("{transfer}"))
	o.cancelledCounter, _ = meter.Int64Counter("forwarding.cancellations",
		metric.WithDescription("Number of sender transfers cancelled during recovery"),
		metric.WithUnit("{transfer}"))
	o.resolvedCounter, _ = meter.Int64Counter("forwarding.resolutions",
		metric.WithDescription("Number of resolutions mirrored to the sender side"),
		metric.WithUnit("{transfer}"))
	return o
}

// Run consumes transfer events until the context ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	createdID, createdCh, err := o.bus.Subscribe(ctx, schema.KindTransferCreated, busOwner, nil)
	if err != nil {
		return err
	}
	defer o.bus.Unsubscribe(createdID)

	resolvedID, resolvedCh, err := o.bus.Subscribe(ctx, schema.KindTransferResolved, busOwner, nil)
	if err != nil {
		return err
	}
	defer o.bus.Unsubscribe(resolvedID)

	o.retry.start(ctx)
	defer o.retry.stop()

	p := concpool.New().WithMaxGoroutines(handlerWorkers)
	defer p.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-createdCh:
			if !ok {
				return nil
			}
			payload, isCreated := evt.Payload.(schema.TransferCreatedPayload)
			if !isCreated {
				continue
			}
			p.Go(func() { o.HandleTransferCreated(ctx, payload) })
		case evt, ok := <-resolvedCh:
			if !ok {
				return nil
			}
			payload, isResolved := evt.Payload.(schema.TransferResolvedPayload)
			if !isResolved {
				continue
			}
			p.Go(func() { o.HandleTransferResolved(ctx, payload) })
		}
	}
}

// HandleTransferCreated processes one sender-side transfer creation.
func (o *Orchestrator) HandleTransferCreated(ctx context.Context, payload schema.TransferCreatedPayload) {
	transfer := payload.Transfer
	if transfer.Responder != o.cfg.RouterIdentifier {
		return
	}
	if len(transfer.Meta) == 0 {
		// Not a routed transfer.
		return
	}

	meta, err := schema.ParseRoutingMeta(transfer.Meta)
	if err != nil {
		// Malformed routing metadata: funds are locked against the router, so
		// cancel the sender transfer instead of leaving it to time out.
		observability.Log().Warn("forwarding: unparseable routing meta, cancelling sender transfer",
			observability.F("transferId", transfer.TransferID),
			observability.F("error", err.Error()))
		o.cancelWithoutRecord(ctx, transfer, err)
		return
	}

	unlock := o.locks.Lock(meta.RoutingID)
	defer unlock()

	if existing, ok, getErr := o.forwards.GetForward(ctx, meta.RoutingID); getErr == nil && ok {
		if existing.Status != schema.ForwardPending {
			// Replayed event; the forward already advanced.
			return
		}
	}

	now := o.now().UTC()
	forward := schema.ForwardedTransfer{
		RoutingID:        meta.RoutingID,
		SenderChannel:    transfer.ChannelAddress,
		SenderTransferID: transfer.TransferID,
		Status:           schema.ForwardPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := o.forwards.UpsertForward(ctx, forward); err != nil {
		observability.Log().Error("forwarding: could not record pending forward",
			observability.F("routingId", meta.RoutingID),
			observability.F("error", err.Error()))
		return
	}

	plan, err := o.prepare(ctx, transfer, meta)
	if err != nil {
		o.recoverForward(ctx, &forward, err)
		return
	}
	o.createReceiverTransfer(ctx, &forward, transfer, meta, plan)
}

// forwardPlan is everything prepare resolves before touching the receiver
// channel.
type forwardPlan struct {
	receiverChannel schema.Channel
	amount          decimal.Decimal
	fee             decimal.Decimal
	timeout         time.Duration
}

// prepare validates the quote, prices the forward, locates the receiver
// channel and ensures it is collateralized. Any error here triggers uniform
// recovery on the sender side.
func (o *Orchestrator) prepare(ctx context.Context, transfer schema.Transfer, meta schema.RoutingMeta) (forwardPlan, error) {
	senderRemaining := transfer.RemainingTimeout(o.now())
	if senderRemaining <= timeoutDecrement {
		return forwardPlan{}, errs.New(errs.DomainForwardCreation, errs.InvalidForwardingInfo,
			errs.WithMessage("sender transfer expires too soon to forward"),
			errs.WithField("remaining", senderRemaining.String()))
	}

	result, err := o.calc.Convert(ctx, transfer.Amount, transfer.AssetID, transfer.ChainID, meta.RecipientAssetID, meta.RecipientChainID)
	if err != nil {
		return forwardPlan{}, errs.New(errs.DomainForwardCreation, errs.UnableToCalculateSwap, errs.WithCause(err))
	}
	amount := result.ForwardAmount
	fee := result.Fee

	if meta.Quote != nil {
		if err := o.quoter.Verify(*meta.Quote); err != nil {
			return forwardPlan{}, err
		}
		// A valid quote fixes the fee the router committed to, even when the
		// configured fee has since changed.
		converted := amount.Add(fee)
		if meta.Quote.Fee.GreaterThanOrEqual(converted) {
			return forwardPlan{}, errs.New(errs.DomainFee, errs.FeesLargerThanAmount,
				errs.WithField("fee", meta.Quote.Fee.String()),
				errs.WithField("amount", converted.String()))
		}
		fee = meta.Quote.Fee
		amount = converted.Sub(fee)
	}

	receiverChannel, ok := o.registry.ByCounterparty(meta.Recipient, meta.RecipientChainID)
	if !ok {
		return forwardPlan{}, errs.New(errs.DomainForwardCreation, errs.RecipientChannelNotFound,
			errs.WithField("recipient", meta.Recipient),
			errs.WithField("chainId", decimal.NewFromInt(meta.RecipientChainID).String()))
	}

	if meta.RequireOnline {
		alive, err := o.engine.IsAlive(ctx, receiverChannel.Address)
		if err != nil {
			return forwardPlan{}, errs.New(errs.DomainForwardCreation, errs.ErrorForwardingTransfer, errs.WithCause(err))
		}
		if !alive {
			return forwardPlan{}, errs.New(errs.DomainForwardCreation, errs.ReceiverOffline,
				errs.WithField("recipient", meta.Recipient))
		}
	}

	if _, err := o.collateral.EnsureCollateral(ctx, receiverChannel.Address, meta.RecipientAssetID, amount); err != nil {
		return forwardPlan{}, errs.New(errs.DomainForwardCreation, errs.UnableToCollateralizeReceiver, errs.WithCause(err))
	}

	return forwardPlan{
		receiverChannel: receiverChannel,
		amount:          amount,
		fee:             fee,
		timeout:         senderRemaining - timeoutDecrement,
	}, nil
}

// createReceiverTransfer installs the mirrored transfer in the receiver
// channel. An offline receiver is queued for retry unless the sender required
// online delivery.
func (o *Orchestrator) createReceiverTransfer(ctx context.Context, forward *schema.ForwardedTransfer, transfer schema.Transfer, meta schema.RoutingMeta, plan forwardPlan) {
	receiverMeta := meta
	receiverMeta.Quote = nil
	metaBytes, err := json.Marshal(receiverMeta)
	if err != nil {
		o.recoverForward(ctx, forward, errs.New(errs.DomainForwardCreation, errs.ErrorForwardingTransfer, errs.WithCause(err)))
		return
	}

	params := channel.CreateTransferParams{
		ChannelAddress: plan.receiverChannel.Address,
		AssetID:        meta.RecipientAssetID,
		Amount:         plan.amount,
		Definition:     transfer.Definition,
		State:          transfer.State,
		Timeout:        plan.timeout.String(),
		Recipient:      meta.Recipient,
		Meta:           metaBytes,
	}

	forward.ReceiverChannel = plan.receiverChannel.Address
	forward.ForwardedAmount = plan.amount
	forward.Fee = plan.fee

	created, err := o.engine.CreateTransfer(ctx, params)
	if err != nil {
		if reason, ok := errs.ReasonOf(err); ok && reason == errs.ReceiverOffline && !meta.RequireOnline {
			if queueErr := o.retry.enqueue(retryJob{forward: *forward, create: &params}); queueErr != nil {
				o.recoverForward(ctx, forward, queueErr)
				return
			}
			if err := o.forwards.UpsertForward(ctx, *forward); err != nil {
				observability.Log().Error("forwarding: could not persist queued forward",
					observability.F("routingId", forward.RoutingID),
					observability.F("error", err.Error()))
			}
			observability.Log().Info("forwarding: receiver offline, update queued",
				observability.F("routingId", forward.RoutingID))
			return
		}
		o.recoverForward(ctx, forward, err)
		return
	}

	o.finalizeForward(ctx, forward, created)
}

// finalizeForward records the receiver leg and announces routing completion.
func (o *Orchestrator) finalizeForward(ctx context.Context, forward *schema.ForwardedTransfer, created schema.Transfer) {
	forward.ReceiverTransferID = created.TransferID
	forward.Status = schema.ForwardForwarded
	forward.UpdatedAt = o.now().UTC()
	if err := o.forwards.UpsertForward(ctx, *forward); err != nil {
		observability.Log().Error("forwarding: could not persist forwarded state",
			observability.F("routingId", forward.RoutingID),
			observability.F("error", err.Error()))
		return
	}

	if o.forwardedCounter != nil {
		o.forwardedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("receiver_channel", forward.ReceiverChannel)))
	}
	observability.Log().Info("forwarding: receiver transfer created",
		observability.F("routingId", forward.RoutingID),
		observability.F("receiverTransferId", created.TransferID))

	_ = o.bus.Publish(ctx, schema.Event{
		Kind: schema.KindRoutingComplete,
		At:   o.now().UTC(),
		Payload: schema.RoutingCompletePayload{
			RoutingID:           forward.RoutingID,
			InitiatorIdentifier: o.cfg.RouterIdentifier,
			ResponderIdentifier: created.Responder,
		},
	})
}

// recoverForward applies the uniform recovery path: one attempt to cancel the
// sender transfer, then a terminal record either way.
func (o *Orchestrator) recoverForward(ctx context.Context, forward *schema.ForwardedTransfer, cause error) {
	reason := failureReason(cause)
	observability.Log().Warn("forwarding: recovering forward",
		observability.F("routingId", forward.RoutingID),
		observability.F("reason", reason),
		observability.F("error", cause.Error()))

	cancelMeta, _ := json.Marshal(map[string]string{"cancellationReason": reason})
	_, err := o.engine.ResolveTransfer(ctx, channel.ResolveTransferParams{
		ChannelAddress: forward.SenderChannel,
		TransferID:     forward.SenderTransferID,
		Resolver:       emptyResolver,
		Meta:           cancelMeta,
	})

	forward.UpdatedAt = o.now().UTC()
	forward.FailureReason = reason
	if err != nil {
		forward.Status = schema.ForwardFailed
		forward.FailureReason = string(errs.FailedToCancelSenderTransfer) + ": " + reason
		observability.Log().Error("forwarding: sender cancellation failed, manual intervention needed",
			observability.F("routingId", forward.RoutingID),
			observability.F("senderTransferId", forward.SenderTransferID),
			observability.F("error", err.Error()))
	} else {
		forward.Status = schema.ForwardCancelled
		if o.cancelledCounter != nil {
			o.cancelledCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("reason", reason)))
		}
	}
	if upsertErr := o.forwards.UpsertForward(ctx, *forward); upsertErr != nil {
		observability.Log().Error("forwarding: could not persist recovery state",
			observability.F("routingId", forward.RoutingID),
			observability.F("error", upsertErr.Error()))
	}
}

// cancelWithoutRecord cancels a sender transfer whose meta never yielded a
// routing id, so no forward record exists to update.
func (o *Orchestrator) cancelWithoutRecord(ctx context.Context, transfer schema.Transfer, cause error) {
	cancelMeta, _ := json.Marshal(map[string]string{"cancellationReason": failureReason(cause)})
	if _, err := o.engine.ResolveTransfer(ctx, channel.ResolveTransferParams{
		ChannelAddress: transfer.ChannelAddress,
		TransferID:     transfer.TransferID,
		Resolver:       emptyResolver,
		Meta:           cancelMeta,
	}); err != nil {
		observability.Log().Error("forwarding: could not cancel unroutable transfer",
			observability.F("transferId", transfer.TransferID),
			observability.F("error", err.Error()))
	}
}

func failureReason(err error) string {
	if reason, ok := errs.ReasonOf(err); ok {
		return string(reason)
	}
	return string(errs.ErrorForwardingTransfer)
}
