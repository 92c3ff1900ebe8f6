package withdraw

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/conduitnetwork/conduit/errs"
	"github.com/conduitnetwork/conduit/internal/bus"
	"github.com/conduitnetwork/conduit/internal/chain"
	"github.com/conduitnetwork/conduit/internal/config"
	"github.com/conduitnetwork/conduit/internal/schema"
	"github.com/conduitnetwork/conduit/internal/store"
)

type chainStub struct {
	chain.Service

	mu        sync.Mutex
	gasPrice  decimal.Decimal
	submitErr error
	mined     bool
	submits   []schema.WithdrawalCommitment
	speedUps  []chain.SpeedUpParams
}

func newChainStub() *chainStub {
	return &chainStub{gasPrice: decimal.NewFromInt(20), mined: true}
}

func (c *chainStub) GasPrice(context.Context, int64) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gasPrice, nil
}

func (c *chainStub) SubmitWithdrawal(_ context.Context, commitment schema.WithdrawalCommitment, _ decimal.Decimal) (chain.TxReceipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitErr != nil {
		return chain.TxReceipt{}, c.submitErr
	}
	c.submits = append(c.submits, commitment)
	return chain.TxReceipt{TransactionHash: "0xwithdraw", ChainID: commitment.ChainID, Nonce: 7, Mined: c.mined}, nil
}

func (c *chainStub) SpeedUpTx(_ context.Context, params chain.SpeedUpParams) (chain.TxReceipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speedUps = append(c.speedUps, params)
	return chain.TxReceipt{TransactionHash: "0xsped", Nonce: params.Nonce, Mined: true}, nil
}

func (c *chainStub) submitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.submits)
}

func staleCommitment(transferID string, age time.Duration) schema.WithdrawalCommitment {
	return schema.WithdrawalCommitment{
		ChannelAddress: "0xchannel",
		TransferID:     transferID,
		ChainID:        1,
		AssetID:        "0x0",
		Amount:         decimal.NewFromInt(40),
		Recipient:      "0xrecipient",
		AliceSignature: "0xsigA",
		BobSignature:   "0xsigB",
		CreatedAt:      time.Now().UTC().Add(-age),
	}
}

func newTask(t *testing.T, chainSvc chain.Service, cfg config.WithdrawConfig) (*Task, *store.Memory) {
	t.Helper()
	commitments := store.NewMemory()
	b := bus.NewMemoryBus(bus.MemoryConfig{})
	t.Cleanup(b.Close)
	return NewTask(cfg, chainSvc, commitments, b), commitments
}

func TestSweepResubmitsStaleCommitments(t *testing.T) {
	chainSvc := newChainStub()
	task, commitments := newTask(t, chainSvc, config.WithdrawConfig{StalenessWindow: time.Hour})
	ctx := context.Background()

	if err := commitments.SaveCommitment(ctx, staleCommitment("0xold", 2*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := commitments.SaveCommitment(ctx, staleCommitment("0xfresh", time.Minute)); err != nil {
		t.Fatal(err)
	}

	task.sweep(ctx)

	if chainSvc.submitCount() != 1 {
		t.Fatalf("submits = %d, only the stale commitment qualifies", chainSvc.submitCount())
	}
	if chainSvc.submits[0].TransferID != "0xold" {
		t.Fatalf("submitted = %s", chainSvc.submits[0].TransferID)
	}

	mined, _, err := commitments.GetCommitment(ctx, "0xchannel", "0xold")
	if err != nil {
		t.Fatal(err)
	}
	if mined.TransactionHash != "0xwithdraw" {
		t.Fatalf("transactionHash = %q", mined.TransactionHash)
	}
}

func TestSweepDefersFreshCommitmentAboveCeiling(t *testing.T) {
	chainSvc := newChainStub()
	chainSvc.gasPrice = decimal.NewFromInt(500)
	task, commitments := newTask(t, chainSvc, config.WithdrawConfig{
		StalenessWindow: time.Hour,
		GasPriceCeiling: decimal.NewFromInt(100),
	})
	ctx := context.Background()

	if err := commitments.SaveCommitment(ctx, staleCommitment("0xfresh", time.Minute)); err != nil {
		t.Fatal(err)
	}
	task.sweep(ctx)

	if chainSvc.submitCount() != 0 {
		t.Fatalf("submits = %d, fresh commitment must wait for cheaper gas", chainSvc.submitCount())
	}
	commitment, _, err := commitments.GetCommitment(ctx, "0xchannel", "0xfresh")
	if err != nil {
		t.Fatal(err)
	}
	if !commitment.Submittable() {
		t.Fatal("deferred commitment must stay submittable")
	}
}

func TestSweepSubmitsStaleDespiteExpensiveGas(t *testing.T) {
	chainSvc := newChainStub()
	chainSvc.gasPrice = decimal.NewFromInt(500)
	task, commitments := newTask(t, chainSvc, config.WithdrawConfig{
		StalenessWindow: time.Hour,
		GasPriceCeiling: decimal.NewFromInt(100),
	})
	ctx := context.Background()

	if err := commitments.SaveCommitment(ctx, staleCommitment("0xold", 2*time.Hour)); err != nil {
		t.Fatal(err)
	}
	task.sweep(ctx)

	// The ceiling enables early submission; it never blocks a stale rescue.
	if chainSvc.submitCount() != 1 {
		t.Fatalf("submits = %d, stale commitment must go out regardless of gas", chainSvc.submitCount())
	}
}

func TestSweepSubmitsFreshWhenGasBelowCeiling(t *testing.T) {
	chainSvc := newChainStub()
	task, commitments := newTask(t, chainSvc, config.WithdrawConfig{
		StalenessWindow: time.Hour,
		GasPriceCeiling: decimal.NewFromInt(100),
	})
	ctx := context.Background()

	if err := commitments.SaveCommitment(ctx, staleCommitment("0xfresh", time.Minute)); err != nil {
		t.Fatal(err)
	}
	task.sweep(ctx)

	if chainSvc.submitCount() != 1 {
		t.Fatalf("submits = %d, cheap gas should trigger an early submission", chainSvc.submitCount())
	}
}

func TestUnminedSubmissionIsSpedUp(t *testing.T) {
	chainSvc := newChainStub()
	chainSvc.mined = false
	task, commitments := newTask(t, chainSvc, config.WithdrawConfig{StalenessWindow: time.Hour})
	ctx := context.Background()

	if err := commitments.SaveCommitment(ctx, staleCommitment("0xold", 2*time.Hour)); err != nil {
		t.Fatal(err)
	}
	task.sweep(ctx)

	if len(chainSvc.speedUps) != 1 {
		t.Fatalf("speedUps = %+v", chainSvc.speedUps)
	}
	// The replacement carries the full tx identity, not just the stuck hash.
	sped := chainSvc.speedUps[0]
	if sped.TransactionHash != "0xwithdraw" || sped.To != "0xrecipient" || sped.Nonce != 7 {
		t.Fatalf("speed-up params = %+v", sped)
	}
	if !sped.Value.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("value = %s", sped.Value)
	}
	commitment, _, err := commitments.GetCommitment(ctx, "0xchannel", "0xold")
	if err != nil {
		t.Fatal(err)
	}
	if commitment.TransactionHash != "0xsped" {
		t.Fatalf("transactionHash = %q", commitment.TransactionHash)
	}
}

func TestResubmitUnknownCommitment(t *testing.T) {
	task, _ := newTask(t, newChainStub(), config.WithdrawConfig{})

	_, err := task.Resubmit(context.Background(), "0xchannel", "0xmissing")
	if reason, ok := errs.ReasonOf(err); !ok || reason != errs.CommitmentNotFound {
		t.Fatalf("err = %v", err)
	}
}

func TestResubmitBypassesStalenessWindow(t *testing.T) {
	chainSvc := newChainStub()
	task, commitments := newTask(t, chainSvc, config.WithdrawConfig{StalenessWindow: 24 * time.Hour})
	ctx := context.Background()

	if err := commitments.SaveCommitment(ctx, staleCommitment("0xfresh", time.Minute)); err != nil {
		t.Fatal(err)
	}

	updated, err := task.Resubmit(ctx, "0xchannel", "0xfresh")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if updated.TransactionHash != "0xwithdraw" {
		t.Fatalf("transactionHash = %q", updated.TransactionHash)
	}
}

func TestResubmitMinedCommitmentRejected(t *testing.T) {
	chainSvc := newChainStub()
	task, commitments := newTask(t, chainSvc, config.WithdrawConfig{})
	ctx := context.Background()

	mined := staleCommitment("0xdone", time.Hour)
	mined.TransactionHash = "0xalready"
	if err := commitments.SaveCommitment(ctx, mined); err != nil {
		t.Fatal(err)
	}

	_, err := task.Resubmit(ctx, "0xchannel", "0xdone")
	if reason, ok := errs.ReasonOf(err); !ok || reason != errs.CommitmentNotSubmittable {
		t.Fatalf("err = %v", err)
	}
}
