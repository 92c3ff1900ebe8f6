// Package swap converts forwarded amounts between asset pairs and issues the
// signed fee quotes senders can hold the router to.
package swap

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/conduitnetwork/conduit/errs"
	"github.com/conduitnetwork/conduit/internal/config"
)

// executionGasUnits approximates the gas a receiver-side settlement spends, so
// the chain-cost fee component can be priced from the destination gas price.
const executionGasUnits = 120_000

// GasPricer reports the current gas price on a chain. The chain service client
// satisfies this.
type GasPricer interface {
	GasPrice(ctx context.Context, chainID int64) (decimal.Decimal, error)
}

// Result is the outcome of converting a sender-side amount into the
// receiver-side asset.
type Result struct {
	ForwardAmount decimal.Decimal
	Fee           decimal.Decimal
	Rate          decimal.Decimal
}

// Calculator resolves allowed swaps and applies their pricing. With a gas
// pricer attached it folds the estimated receiver-side execution cost into the
// fee, unless the swap is configured as gas subsidized.
type Calculator struct {
	lookup *config.Service
	gas    GasPricer
}

// NewCalculator builds a calculator over the configured swap table. A nil gas
// pricer disables the chain-cost fee component.
func NewCalculator(lookup *config.Service, gas GasPricer) *Calculator {
	return &Calculator{lookup: lookup, gas: gas}
}

// Convert turns the sender-side amount into the receiver-side amount. The fee
// is deducted from the converted amount, so the sender's lock always covers
// forward amount plus fee.
func (c *Calculator) Convert(ctx context.Context, amount decimal.Decimal, fromAssetID string, fromChainID int64, toAssetID string, toChainID int64) (Result, error) {
	allowed, err := c.lookup.AllowedSwapFor(fromAssetID, fromChainID, toAssetID, toChainID)
	if err != nil {
		return Result{}, err
	}

	rate, err := rateOf(allowed)
	if err != nil {
		return Result{}, err
	}

	chainCost, err := c.chainCost(ctx, allowed)
	if err != nil {
		return Result{}, err
	}

	converted := amount.Mul(rate)
	fee := feeOf(allowed, converted, chainCost)
	if fee.GreaterThanOrEqual(converted) && converted.IsPositive() {
		return Result{}, errs.New(errs.DomainFee, errs.FeesLargerThanAmount,
			errs.WithMessage("fee consumes the entire transfer"),
			errs.WithField("amount", converted.String()),
			errs.WithField("fee", fee.String()))
	}

	return Result{
		ForwardAmount: converted.Sub(fee),
		Fee:           fee,
		Rate:          rate,
	}, nil
}

// chainCost estimates what settling the receiver leg will cost the router on
// the destination chain, in destination-asset units. Identity pairs settle
// inside an existing channel update and cost nothing extra.
func (c *Calculator) chainCost(ctx context.Context, allowed config.AllowedSwap) (decimal.Decimal, error) {
	if c.gas == nil || allowed.GasSubsidized {
		return decimal.Zero, nil
	}
	if allowed.FromAssetID == allowed.ToAssetID && allowed.FromChainID == allowed.ToChainID {
		return decimal.Zero, nil
	}
	gasPrice, err := c.gas.GasPrice(ctx, allowed.ToChainID)
	if err != nil {
		return decimal.Decimal{}, errs.New(errs.DomainFee, errs.ChainError,
			errs.WithMessage("could not price destination gas"),
			errs.WithCause(err),
			errs.WithField("toChainId", decimal.NewFromInt(allowed.ToChainID).String()))
	}
	return gasPrice.Mul(decimal.NewFromInt(executionGasUnits)), nil
}

// rateOf returns the conversion rate for the pair. Identity pairs carry no
// configured price type and convert one to one.
func rateOf(allowed config.AllowedSwap) (decimal.Decimal, error) {
	if allowed.FromAssetID == allowed.ToAssetID && allowed.FromChainID == allowed.ToChainID {
		return decimal.NewFromInt(1), nil
	}
	if allowed.PriceType != config.PriceTypeHardcoded {
		return decimal.Decimal{}, errs.New(errs.DomainSwap, errs.SwapNotHardcoded,
			errs.WithMessage("only hardcoded rates are supported"),
			errs.WithField("priceType", allowed.PriceType))
	}
	if !allowed.HardcodedRate.IsPositive() {
		return decimal.Decimal{}, errs.New(errs.DomainConfig, errs.UnableToGetSwapRate,
			errs.WithMessage("hardcoded rate must be positive"),
			errs.WithField("rate", allowed.HardcodedRate.String()))
	}
	return allowed.HardcodedRate, nil
}

func feeOf(allowed config.AllowedSwap, converted, chainCost decimal.Decimal) decimal.Decimal {
	fee := allowed.FlatFee
	if allowed.FeePercentage.IsPositive() {
		fee = fee.Add(converted.Mul(allowed.FeePercentage).Div(decimal.NewFromInt(100)))
	}
	fee = fee.Add(chainCost)
	if fee.IsNegative() {
		return decimal.Zero
	}
	return fee
}
