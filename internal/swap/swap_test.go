package swap

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/conduitnetwork/conduit/errs"
	"github.com/conduitnetwork/conduit/internal/config"
)

type gasStub struct {
	price decimal.Decimal
	err   error
	calls []int64
}

func (g *gasStub) GasPrice(_ context.Context, chainID int64) (decimal.Decimal, error) {
	g.calls = append(g.calls, chainID)
	return g.price, g.err
}

func calculatorWith(swaps ...config.AllowedSwap) *Calculator {
	cfg := config.Default()
	cfg.AllowedSwaps = swaps
	return NewCalculator(config.NewService(cfg), nil)
}

func gasCalculatorWith(gas GasPricer, swaps ...config.AllowedSwap) *Calculator {
	cfg := config.Default()
	cfg.AllowedSwaps = swaps
	return NewCalculator(config.NewService(cfg), gas)
}

func crossChainSwap() config.AllowedSwap {
	return config.AllowedSwap{
		FromAssetID:   "0xa",
		FromChainID:   1,
		ToAssetID:     "0xb",
		ToChainID:     137,
		PriceType:     config.PriceTypeHardcoded,
		HardcodedRate: decimal.NewFromInt(2),
	}
}

func TestConvertIdentityPair(t *testing.T) {
	calc := calculatorWith()
	result, err := calc.Convert(context.Background(), decimal.NewFromInt(100), "0x0", 1, "0x0", 1)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !result.ForwardAmount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("forward = %s", result.ForwardAmount)
	}
	if !result.Fee.IsZero() {
		t.Fatalf("fee = %s", result.Fee)
	}
}

func TestConvertHardcodedRateWithFees(t *testing.T) {
	swap := crossChainSwap()
	swap.FeePercentage = decimal.NewFromInt(1)
	swap.FlatFee = decimal.NewFromInt(3)
	calc := calculatorWith(swap)

	result, err := calc.Convert(context.Background(), decimal.NewFromInt(100), "0xa", 1, "0xb", 137)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	// 100 * 2 = 200 converted; fee = 3 + 1% of 200 = 5; forwarded 195.
	if !result.Fee.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("fee = %s", result.Fee)
	}
	if !result.ForwardAmount.Equal(decimal.NewFromInt(195)) {
		t.Fatalf("forward = %s", result.ForwardAmount)
	}
}

func TestConvertAddsDestinationChainCost(t *testing.T) {
	// No configured fees at all: the fee still has to cover the gas the router
	// spends settling the receiver leg on the destination chain.
	gas := &gasStub{price: decimal.NewFromFloat(0.0001)}
	calc := gasCalculatorWith(gas, crossChainSwap())

	result, err := calc.Convert(context.Background(), decimal.NewFromInt(100), "0xa", 1, "0xb", 137)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !result.Fee.IsPositive() {
		t.Fatalf("cross-pair fee = %s, must be positive", result.Fee)
	}
	// 0.0001 gas price * 120000 units = 12 on top of zero configured fees.
	if !result.Fee.Equal(decimal.NewFromInt(12)) {
		t.Fatalf("fee = %s", result.Fee)
	}
	if !result.ForwardAmount.Equal(decimal.NewFromInt(188)) {
		t.Fatalf("forward = %s", result.ForwardAmount)
	}
	if len(gas.calls) != 1 || gas.calls[0] != 137 {
		t.Fatalf("gas priced on chains %v, want destination only", gas.calls)
	}
}

func TestConvertSkipsChainCostWhenSubsidized(t *testing.T) {
	swap := crossChainSwap()
	swap.GasSubsidized = true
	swap.FlatFee = decimal.NewFromInt(3)
	gas := &gasStub{price: decimal.NewFromFloat(0.0001)}
	calc := gasCalculatorWith(gas, swap)

	result, err := calc.Convert(context.Background(), decimal.NewFromInt(100), "0xa", 1, "0xb", 137)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !result.Fee.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("fee = %s, subsidized swap must not pass gas through", result.Fee)
	}
	if len(gas.calls) != 0 {
		t.Fatalf("gas priced %d times for a subsidized swap", len(gas.calls))
	}
}

func TestConvertChainCostGasPriceFailure(t *testing.T) {
	gas := &gasStub{err: errs.New(errs.DomainCollateral, errs.TxError)}
	calc := gasCalculatorWith(gas, crossChainSwap())

	_, err := calc.Convert(context.Background(), decimal.NewFromInt(100), "0xa", 1, "0xb", 137)
	reason, ok := errs.ReasonOf(err)
	if !ok || reason != errs.ChainError {
		t.Fatalf("reason = %v (%v)", reason, err)
	}
}

func TestConvertRejectsDisallowedPair(t *testing.T) {
	calc := calculatorWith()
	_, err := calc.Convert(context.Background(), decimal.NewFromInt(100), "0xa", 1, "0xb", 137)
	reason, ok := errs.ReasonOf(err)
	if !ok || reason != errs.SwapNotAllowed {
		t.Fatalf("reason = %v (%v)", reason, err)
	}
}

func TestConvertRejectsFeeConsumingTransfer(t *testing.T) {
	calc := calculatorWith(config.AllowedSwap{
		FromAssetID:   "0xa",
		FromChainID:   1,
		ToAssetID:     "0xb",
		ToChainID:     137,
		PriceType:     config.PriceTypeHardcoded,
		HardcodedRate: decimal.NewFromInt(1),
		FlatFee:       decimal.NewFromInt(500),
	})

	_, err := calc.Convert(context.Background(), decimal.NewFromInt(100), "0xa", 1, "0xb", 137)
	reason, ok := errs.ReasonOf(err)
	if !ok || reason != errs.FeesLargerThanAmount {
		t.Fatalf("reason = %v (%v)", reason, err)
	}
}

func TestConvertRejectsNonHardcodedPrice(t *testing.T) {
	calc := calculatorWith(config.AllowedSwap{
		FromAssetID: "0xa",
		FromChainID: 1,
		ToAssetID:   "0xb",
		ToChainID:   137,
		PriceType:   "oracle",
	})

	_, err := calc.Convert(context.Background(), decimal.NewFromInt(100), "0xa", 1, "0xb", 137)
	reason, ok := errs.ReasonOf(err)
	if !ok || reason != errs.SwapNotHardcoded {
		t.Fatalf("reason = %v (%v)", reason, err)
	}
}

func TestQuoteIssueAndVerify(t *testing.T) {
	quoter := NewQuoter(calculatorWith(), "secret", time.Minute)

	quote, err := quoter.Issue(context.Background(), "routing-1", "0x0", 1, "0x0", 1, decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if quote.Signature == "" {
		t.Fatal("quote unsigned")
	}
	if err := quoter.Verify(quote); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestQuoteVerifyRejectsTampering(t *testing.T) {
	quoter := NewQuoter(calculatorWith(), "secret", time.Minute)
	quote, err := quoter.Issue(context.Background(), "routing-1", "0x0", 1, "0x0", 1, decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// The identity-pair quote is issued with a zero fee, so the tampered value
	// has to differ from zero for the signature check to be exercised.
	quote.Fee = decimal.NewFromInt(1)
	err = quoter.Verify(quote)
	reason, ok := errs.ReasonOf(err)
	if !ok || reason != errs.QuoteSignatureInvalid {
		t.Fatalf("reason = %v (%v)", reason, err)
	}
}

func TestQuoteVerifyRejectsExpired(t *testing.T) {
	quoter := NewQuoter(calculatorWith(), "secret", time.Minute)
	quote, err := quoter.Issue(context.Background(), "routing-1", "0x0", 1, "0x0", 1, decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	quoter.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	err = quoter.Verify(quote)
	reason, ok := errs.ReasonOf(err)
	if !ok || reason != errs.QuoteExpired {
		t.Fatalf("reason = %v (%v)", reason, err)
	}
}
