package forwarding

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/conduitnetwork/conduit/errs"
	"github.com/conduitnetwork/conduit/internal/bus"
	"github.com/conduitnetwork/conduit/internal/channel"
	"github.com/conduitnetwork/conduit/internal/config"
	"github.com/conduitnetwork/conduit/internal/registry"
	"github.com/conduitnetwork/conduit/internal/schema"
	"github.com/conduitnetwork/conduit/internal/store"
	"github.com/conduitnetwork/conduit/internal/swap"
)

const (
	routerID    = "vectorRouter"
	senderID    = "vectorAlice"
	recipientID = "vectorBob"
)

type fakeEngine struct {
	channel.Engine

	mu              sync.Mutex
	created         []channel.CreateTransferParams
	resolved        []channel.ResolveTransferParams
	offlineLeft     int
	resolveFailLeft int
	resolveErr      error
	alive        bool
	active       map[string][]schema.Transfer
	byRouting    map[string]schema.Transfer
	nextTransfer int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		alive:     true,
		active:    make(map[string][]schema.Transfer),
		byRouting: make(map[string]schema.Transfer),
	}
}

func (e *fakeEngine) CreateTransfer(_ context.Context, params channel.CreateTransferParams) (schema.Transfer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.offlineLeft > 0 {
		e.offlineLeft--
		return schema.Transfer{}, errs.New(errs.DomainForwardCreation, errs.ReceiverOffline)
	}
	e.created = append(e.created, params)
	e.nextTransfer++
	return schema.Transfer{
		TransferID:     "0xreceiver-transfer",
		ChannelAddress: params.ChannelAddress,
		AssetID:        params.AssetID,
		Amount:         params.Amount,
		Initiator:      routerID,
		Responder:      recipientID,
	}, nil
}

func (e *fakeEngine) ResolveTransfer(_ context.Context, params channel.ResolveTransferParams) (schema.Transfer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.resolveErr != nil {
		return schema.Transfer{}, e.resolveErr
	}
	if e.resolveFailLeft > 0 {
		e.resolveFailLeft--
		return schema.Transfer{}, errs.New(errs.DomainServer, errs.EngineRequestFailed)
	}
	e.resolved = append(e.resolved, params)
	return schema.Transfer{TransferID: params.TransferID}, nil
}

func (e *fakeEngine) IsAlive(context.Context, string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.alive, nil
}

func (e *fakeEngine) GetActiveTransfers(_ context.Context, address string) ([]schema.Transfer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[address], nil
}

func (e *fakeEngine) GetTransferByRoutingID(_ context.Context, _, routingID string) (schema.Transfer, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	transfer, ok := e.byRouting[routingID]
	return transfer, ok, nil
}

func (e *fakeEngine) createdCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.created)
}

func (e *fakeEngine) resolvedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.resolved)
}

type fakeCollateral struct {
	mu       sync.Mutex
	err      error
	ensured  []string
	reclaims []string
}

func (f *fakeCollateral) EnsureCollateral(_ context.Context, channelAddress, assetID string, _ decimal.Decimal) (schema.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return schema.Channel{}, f.err
	}
	f.ensured = append(f.ensured, channelAddress+"|"+assetID)
	return schema.Channel{Address: channelAddress}, nil
}

func (f *fakeCollateral) ReclaimExcess(_ context.Context, channelAddress, assetID string) (schema.WithdrawalCommitment, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reclaims = append(f.reclaims, channelAddress+"|"+assetID)
	return schema.WithdrawalCommitment{}, false, nil
}

type fixture struct {
	orch       *Orchestrator
	engine     *fakeEngine
	collateral *fakeCollateral
	forwards   *store.Memory
	bus        *bus.MemoryBus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.AllowedSwaps = []config.AllowedSwap{{
		FromAssetID:   "0xa",
		FromChainID:   1,
		ToAssetID:     "0xb",
		ToChainID:     137,
		PriceType:     config.PriceTypeHardcoded,
		HardcodedRate: decimal.NewFromInt(1),
		FlatFee:       decimal.NewFromInt(5),
	}}
	lookup := config.NewService(cfg)
	calc := swap.NewCalculator(lookup, nil)
	quoter := swap.NewQuoter(calc, "quote-secret", time.Minute)

	engine := newFakeEngine()
	coll := new(fakeCollateral)
	forwards := store.NewMemory()
	b := bus.NewMemoryBus(bus.MemoryConfig{})
	t.Cleanup(b.Close)

	reg := registry.New(routerID)
	reg.Upsert(schema.Channel{
		Address:         "0xsender",
		ChainID:         1,
		AliceIdentifier: senderID,
		BobIdentifier:   routerID,
	})
	reg.Upsert(schema.Channel{
		Address:         "0xreceiver",
		ChainID:         1,
		AliceIdentifier: routerID,
		BobIdentifier:   recipientID,
	})

	orch := New(Config{
		RouterIdentifier: routerID,
		RetryAttempts:    3,
		RetryBackoff:     time.Millisecond,
		QueueSize:        4,
	}, engine, reg, calc, quoter, coll, forwards, b)

	return &fixture{orch: orch, engine: engine, collateral: coll, forwards: forwards, bus: b}
}

func routingMeta(routingID string) json.RawMessage {
	meta, _ := json.Marshal(schema.RoutingMeta{
		RoutingID:        routingID,
		Recipient:        recipientID,
		RecipientChainID: 1,
		RecipientAssetID: "0x0",
	})
	return meta
}

func senderTransfer(routingID string) schema.Transfer {
	return schema.Transfer{
		TransferID:     "0xsender-transfer",
		ChannelAddress: "0xsender",
		ChainID:        1,
		AssetID:        "0x0",
		Amount:         decimal.NewFromInt(100),
		Definition:     "HashlockTransfer",
		State:          json.RawMessage(`{"lockHash":"0xabc"}`),
		Timeout:        time.Hour,
		CreatedAt:      time.Now().UTC(),
		Initiator:      senderID,
		Responder:      routerID,
		Meta:           routingMeta(routingID),
	}
}

func (f *fixture) forward(t *testing.T, routingID string) schema.ForwardedTransfer {
	t.Helper()
	forward, ok, err := f.forwards.GetForward(context.Background(), routingID)
	if err != nil || !ok {
		t.Fatalf("forward %s missing: ok=%v err=%v", routingID, ok, err)
	}
	return forward
}

func TestForwardHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.orch.HandleTransferCreated(ctx, schema.TransferCreatedPayload{
		ChannelAddress: "0xsender",
		Transfer:       senderTransfer("routing-1"),
	})

	if f.engine.createdCount() != 1 {
		t.Fatalf("created = %d", f.engine.createdCount())
	}
	params := f.engine.created[0]
	if params.ChannelAddress != "0xreceiver" {
		t.Fatalf("receiver channel = %s", params.ChannelAddress)
	}
	if !params.Amount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("amount = %s", params.Amount)
	}

	forward := f.forward(t, "routing-1")
	if forward.Status != schema.ForwardForwarded {
		t.Fatalf("status = %s", forward.Status)
	}
	if forward.ReceiverTransferID != "0xreceiver-transfer" {
		t.Fatalf("receiver transfer = %s", forward.ReceiverTransferID)
	}
	if f.collateral.ensured[0] != "0xreceiver|0x0" {
		t.Fatalf("collateral target = %s", f.collateral.ensured[0])
	}
}

func TestForwardReceiverTimeoutShorter(t *testing.T) {
	f := newFixture(t)
	f.orch.HandleTransferCreated(context.Background(), schema.TransferCreatedPayload{
		ChannelAddress: "0xsender",
		Transfer:       senderTransfer("routing-1"),
	})

	timeout, err := time.ParseDuration(f.engine.created[0].Timeout)
	if err != nil {
		t.Fatalf("timeout unparseable: %v", err)
	}
	if timeout >= time.Hour {
		t.Fatalf("receiver timeout %s not shorter than sender timeout", timeout)
	}
}

func TestForwardRecipientChannelMissingCancelsSender(t *testing.T) {
	f := newFixture(t)
	transfer := senderTransfer("routing-1")
	meta, _ := json.Marshal(schema.RoutingMeta{
		RoutingID:        "routing-1",
		Recipient:        "vectorNobody",
		RecipientChainID: 1,
		RecipientAssetID: "0x0",
	})
	transfer.Meta = meta

	f.orch.HandleTransferCreated(context.Background(), schema.TransferCreatedPayload{
		ChannelAddress: "0xsender",
		Transfer:       transfer,
	})

	forward := f.forward(t, "routing-1")
	if forward.Status != schema.ForwardCancelled {
		t.Fatalf("status = %s", forward.Status)
	}
	if forward.FailureReason != string(errs.RecipientChannelNotFound) {
		t.Fatalf("reason = %s", forward.FailureReason)
	}
	if f.engine.resolvedCount() != 1 {
		t.Fatalf("sender cancellations = %d", f.engine.resolvedCount())
	}
	if f.engine.resolved[0].TransferID != "0xsender-transfer" {
		t.Fatalf("cancelled transfer = %s", f.engine.resolved[0].TransferID)
	}
}

func TestForwardCollateralFailureCancelsSender(t *testing.T) {
	f := newFixture(t)
	f.collateral.err = errs.New(errs.DomainCollateral, errs.UnableToCollateralize)

	f.orch.HandleTransferCreated(context.Background(), schema.TransferCreatedPayload{
		ChannelAddress: "0xsender",
		Transfer:       senderTransfer("routing-1"),
	})

	forward := f.forward(t, "routing-1")
	if forward.Status != schema.ForwardCancelled {
		t.Fatalf("status = %s", forward.Status)
	}
	if forward.FailureReason != string(errs.UnableToCollateralizeReceiver) {
		t.Fatalf("reason = %s", forward.FailureReason)
	}
}

func TestForwardRequireOnlineOfflineCancels(t *testing.T) {
	f := newFixture(t)
	f.engine.alive = false

	transfer := senderTransfer("routing-1")
	meta, _ := json.Marshal(schema.RoutingMeta{
		RoutingID:        "routing-1",
		Recipient:        recipientID,
		RecipientChainID: 1,
		RecipientAssetID: "0x0",
		RequireOnline:    true,
	})
	transfer.Meta = meta

	f.orch.HandleTransferCreated(context.Background(), schema.TransferCreatedPayload{
		ChannelAddress: "0xsender",
		Transfer:       transfer,
	})

	forward := f.forward(t, "routing-1")
	if forward.Status != schema.ForwardCancelled {
		t.Fatalf("status = %s", forward.Status)
	}
	if forward.FailureReason != string(errs.ReceiverOffline) {
		t.Fatalf("reason = %s", forward.FailureReason)
	}
	if f.engine.createdCount() != 0 {
		t.Fatal("no receiver transfer should exist")
	}
}

func TestForwardOfflineReceiverRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t)
	f.engine.offlineLeft = 2

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.orch.retry.start(ctx)

	f.orch.HandleTransferCreated(ctx, schema.TransferCreatedPayload{
		ChannelAddress: "0xsender",
		Transfer:       senderTransfer("routing-1"),
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		forward := f.forward(t, "routing-1")
		if forward.Status == schema.ForwardForwarded {
			if f.engine.resolvedCount() != 0 {
				t.Fatal("sender should not have been cancelled")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("forward never completed: %+v", f.forward(t, "routing-1"))
}

func TestForwardOfflineRetriesExhaustedCancelsSender(t *testing.T) {
	f := newFixture(t)
	f.engine.offlineLeft = 100

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.orch.retry.start(ctx)

	f.orch.HandleTransferCreated(ctx, schema.TransferCreatedPayload{
		ChannelAddress: "0xsender",
		Transfer:       senderTransfer("routing-1"),
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		forward := f.forward(t, "routing-1")
		if forward.Status == schema.ForwardCancelled {
			if forward.FailureReason != string(errs.ReceiverOffline) {
				t.Fatalf("reason = %s", forward.FailureReason)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("forward never recovered: %+v", f.forward(t, "routing-1"))
}

func TestForwardCancelFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.collateral.err = errs.New(errs.DomainCollateral, errs.UnableToCollateralize)
	f.engine.resolveErr = errs.New(errs.DomainServer, errs.EngineRequestFailed)

	f.orch.HandleTransferCreated(context.Background(), schema.TransferCreatedPayload{
		ChannelAddress: "0xsender",
		Transfer:       senderTransfer("routing-1"),
	})

	forward := f.forward(t, "routing-1")
	if forward.Status != schema.ForwardFailed {
		t.Fatalf("status = %s", forward.Status)
	}
	if !strings.HasPrefix(forward.FailureReason, string(errs.FailedToCancelSenderTransfer)) {
		t.Fatalf("reason = %s", forward.FailureReason)
	}
}

func TestForwardReplayedCreationIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload := schema.TransferCreatedPayload{
		ChannelAddress: "0xsender",
		Transfer:       senderTransfer("routing-1"),
	}

	f.orch.HandleTransferCreated(ctx, payload)
	f.orch.HandleTransferCreated(ctx, payload)

	if f.engine.createdCount() != 1 {
		t.Fatalf("created = %d, replay must not forward twice", f.engine.createdCount())
	}
}

func TestForwardExpiredQuoteCancelsSender(t *testing.T) {
	f := newFixture(t)
	transfer := senderTransfer("routing-1")
	meta, _ := json.Marshal(schema.RoutingMeta{
		RoutingID:        "routing-1",
		Recipient:        recipientID,
		RecipientChainID: 1,
		RecipientAssetID: "0x0",
		Quote: &schema.Quote{
			RoutingID:   "routing-1",
			FromAssetID: "0x0",
			FromChainID: 1,
			ToAssetID:   "0x0",
			ToChainID:   1,
			Amount:      decimal.NewFromInt(100),
			Fee:         decimal.NewFromInt(1),
			Expiry:      time.Now().Add(-time.Minute),
			Signature:   "bogus",
		},
	})
	transfer.Meta = meta

	f.orch.HandleTransferCreated(context.Background(), schema.TransferCreatedPayload{
		ChannelAddress: "0xsender",
		Transfer:       transfer,
	})

	forward := f.forward(t, "routing-1")
	if forward.Status != schema.ForwardCancelled {
		t.Fatalf("status = %s", forward.Status)
	}
	if forward.FailureReason != string(errs.QuoteExpired) {
		t.Fatalf("reason = %s", forward.FailureReason)
	}
}

func receiverLegTransfer(routingID string) schema.Transfer {
	return schema.Transfer{
		TransferID:     "0xreceiver-transfer",
		ChannelAddress: "0xreceiver",
		ChainID:        1,
		AssetID:        "0x0",
		Amount:         decimal.NewFromInt(100),
		Resolver:       json.RawMessage(`{"preImage":"0xdeadbeef"}`),
		Initiator:      routerID,
		Responder:      recipientID,
		Meta:           routingMeta(routingID),
	}
}

func forwardedRecord(routingID string) schema.ForwardedTransfer {
	now := time.Now().UTC()
	return schema.ForwardedTransfer{
		RoutingID:          routingID,
		SenderChannel:      "0xsender",
		SenderTransferID:   "0xsender-transfer",
		ReceiverChannel:    "0xreceiver",
		ReceiverTransferID: "0xreceiver-transfer",
		Status:             schema.ForwardForwarded,
		ForwardedAmount:    decimal.NewFromInt(100),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func TestResolutionMirroredToSender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.forwards.UpsertForward(ctx, forwardedRecord("routing-1")); err != nil {
		t.Fatal(err)
	}

	f.orch.HandleTransferResolved(ctx, schema.TransferResolvedPayload{
		ChannelAddress: "0xreceiver",
		Transfer:       receiverLegTransfer("routing-1"),
	})

	if f.engine.resolvedCount() != 1 {
		t.Fatalf("resolved = %d", f.engine.resolvedCount())
	}
	params := f.engine.resolved[0]
	if params.ChannelAddress != "0xsender" || params.TransferID != "0xsender-transfer" {
		t.Fatalf("mirror target = %+v", params)
	}
	if string(params.Resolver) != `{"preImage":"0xdeadbeef"}` {
		t.Fatalf("resolver = %s", params.Resolver)
	}

	forward := f.forward(t, "routing-1")
	if forward.Status != schema.ForwardResolved {
		t.Fatalf("status = %s", forward.Status)
	}
}

func TestResolutionReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.forwards.UpsertForward(ctx, forwardedRecord("routing-1")); err != nil {
		t.Fatal(err)
	}

	payload := schema.TransferResolvedPayload{
		ChannelAddress: "0xreceiver",
		Transfer:       receiverLegTransfer("routing-1"),
	}
	f.orch.HandleTransferResolved(ctx, payload)
	f.orch.HandleTransferResolved(ctx, payload)

	if f.engine.resolvedCount() != 1 {
		t.Fatalf("resolved = %d, replay must not resolve twice", f.engine.resolvedCount())
	}
}

func TestResolutionFailureRetriesThroughQueue(t *testing.T) {
	f := newFixture(t)
	f.engine.resolveFailLeft = 2

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.orch.retry.start(ctx)

	if err := f.forwards.UpsertForward(ctx, forwardedRecord("routing-1")); err != nil {
		t.Fatal(err)
	}
	f.orch.HandleTransferResolved(ctx, schema.TransferResolvedPayload{
		ChannelAddress: "0xreceiver",
		Transfer:       receiverLegTransfer("routing-1"),
	})

	// The direct attempt and the first queued retry fail; the second queued
	// retry lands and the forward still reaches Resolved.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		forward := f.forward(t, "routing-1")
		if forward.Status == schema.ForwardResolved {
			if f.engine.resolvedCount() != 1 {
				t.Fatalf("resolved = %d", f.engine.resolvedCount())
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("resolution never mirrored: %+v", f.forward(t, "routing-1"))
}

func TestResolutionRetriesExhaustedStaysForwarded(t *testing.T) {
	f := newFixture(t)
	f.engine.resolveFailLeft = 100

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.orch.retry.start(ctx)

	if err := f.forwards.UpsertForward(ctx, forwardedRecord("routing-1")); err != nil {
		t.Fatal(err)
	}
	f.orch.HandleTransferResolved(ctx, schema.TransferResolvedPayload{
		ChannelAddress: "0xreceiver",
		Transfer:       receiverLegTransfer("routing-1"),
	})

	// Exhausted resolution retries must not cancel the sender leg; the
	// forward waits for a check-in re-drive.
	time.Sleep(200 * time.Millisecond)
	forward := f.forward(t, "routing-1")
	if forward.Status != schema.ForwardForwarded {
		t.Fatalf("status = %s", forward.Status)
	}
	if f.engine.resolvedCount() != 0 {
		t.Fatalf("resolved = %d", f.engine.resolvedCount())
	}
}

func TestCheckInRedrivesPendingForward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.engine.active["0xsender"] = []schema.Transfer{senderTransfer("routing-1")}

	if err := f.orch.HandleCheckIn(ctx, "0xsender"); err != nil {
		t.Fatalf("check-in: %v", err)
	}

	forward := f.forward(t, "routing-1")
	if forward.Status != schema.ForwardForwarded {
		t.Fatalf("status = %s", forward.Status)
	}
}

func TestCheckInRedrivesUnmirroredResolution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.forwards.UpsertForward(ctx, forwardedRecord("routing-1")); err != nil {
		t.Fatal(err)
	}
	f.engine.byRouting["routing-1"] = receiverLegTransfer("routing-1")

	if err := f.orch.HandleCheckIn(ctx, "0xsender"); err != nil {
		t.Fatalf("check-in: %v", err)
	}

	forward := f.forward(t, "routing-1")
	if forward.Status != schema.ForwardResolved {
		t.Fatalf("status = %s", forward.Status)
	}
	if f.engine.resolvedCount() != 1 {
		t.Fatalf("resolved = %d", f.engine.resolvedCount())
	}
}

func TestCheckInReclaimsChannelAssets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reg := f.orch.registry
	reg.Upsert(schema.Channel{
		Address:         "0xsender",
		ChainID:         1,
		AliceIdentifier: senderID,
		BobIdentifier:   routerID,
		Assets: []schema.AssetBalance{{
			AssetID: "0x0",
			Alice:   decimal.NewFromInt(10),
			Bob:     decimal.NewFromInt(500),
		}},
		LatestUpdateSequence: 1,
	})

	if err := f.orch.HandleCheckIn(ctx, "0xsender"); err != nil {
		t.Fatalf("check-in: %v", err)
	}
	f.collateral.mu.Lock()
	defer f.collateral.mu.Unlock()
	if len(f.collateral.reclaims) != 1 || f.collateral.reclaims[0] != "0xsender|0x0" {
		t.Fatalf("reclaims = %+v", f.collateral.reclaims)
	}
}
