// Package chain abstracts the on-chain transaction service the router uses
// for deposits, withdrawal submission and rebalance execution.
package chain

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/conduitnetwork/conduit/internal/schema"
)

// TxReceipt is the router's view of a submitted transaction.
type TxReceipt struct {
	TransactionHash string          `json:"transactionHash"`
	ChainID         int64           `json:"chainId"`
	GasPrice        decimal.Decimal `json:"gasPrice"`
	Nonce           uint64          `json:"nonce"`
	Mined           bool            `json:"mined"`
}

// SpeedUpParams rebroadcasts a pending transaction at a higher gas price. The
// replacement reuses the original nonce and call, so the full transaction
// identity travels along with the stuck hash.
type SpeedUpParams struct {
	ChainID         int64           `json:"chainId"`
	TransactionHash string          `json:"transactionHash"`
	To              string          `json:"to"`
	Data            string          `json:"data"`
	Value           decimal.Decimal `json:"value"`
	Nonce           uint64          `json:"nonce"`
	GasPrice        decimal.Decimal `json:"gasPrice"`
}

// DepositParams funds a channel's multisig on chain.
type DepositParams struct {
	ChannelAddress string          `json:"channelAddress"`
	ChainID        int64           `json:"chainId"`
	AssetID        string          `json:"assetId"`
	Amount         decimal.Decimal `json:"amount"`
}

// ApproveParams approves token spend ahead of a rebalance execution.
type ApproveParams struct {
	ChainID int64           `json:"chainId"`
	AssetID string          `json:"assetId"`
	Spender string          `json:"spender"`
	Amount  decimal.Decimal `json:"amount"`
}

// ExecuteParams moves liquidity between chains through the bridge contract.
type ExecuteParams struct {
	FromChainID int64           `json:"fromChainId"`
	ToChainID   int64           `json:"toChainId"`
	AssetID     string          `json:"assetId"`
	Amount      decimal.Decimal `json:"amount"`
}

// Service is the on-chain surface the router depends on. Implementations
// return errs envelopes with TxError or InsufficientFunds reasons so callers
// can distinguish retryable submission faults from empty wallets.
type Service interface {
	// SendDepositTx funds the channel multisig and returns the pending tx.
	SendDepositTx(ctx context.Context, params DepositParams) (TxReceipt, error)
	// SubmitWithdrawal broadcasts a double-signed withdrawal commitment.
	SubmitWithdrawal(ctx context.Context, commitment schema.WithdrawalCommitment, gasPrice decimal.Decimal) (TxReceipt, error)
	// SpeedUpTx rebroadcasts a stuck transaction with a higher gas price.
	SpeedUpTx(ctx context.Context, params SpeedUpParams) (TxReceipt, error)
	// GasPrice returns the current gas price on the chain.
	GasPrice(ctx context.Context, chainID int64) (decimal.Decimal, error)
	// OnChainBalance reports the router signer's wallet balance for the asset.
	OnChainBalance(ctx context.Context, chainID int64, assetID string) (decimal.Decimal, error)
	// SendApproveTx approves token spend for a rebalance.
	SendApproveTx(ctx context.Context, params ApproveParams) (TxReceipt, error)
	// SendExecuteTx runs the cross-chain rebalance transfer.
	SendExecuteTx(ctx context.Context, params ExecuteParams) (TxReceipt, error)
	// TxMined reports whether a transaction has been mined.
	TxMined(ctx context.Context, chainID int64, transactionHash string) (bool, error)
}
