// Package channel talks to the node engine: RPC calls for channel and
// transfer operations, and the websocket stream of engine events.
package channel

import (
	"context"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/conduitnetwork/conduit/internal/schema"
)

// CreateTransferParams describes a conditional transfer to install in a
// channel. Meta carries the routing metadata for the receiver side.
type CreateTransferParams struct {
	ChannelAddress string          `json:"channelAddress"`
	AssetID        string          `json:"assetId"`
	Amount         decimal.Decimal `json:"amount"`
	Definition     string          `json:"transferDefinition"`
	State          json.RawMessage `json:"transferState"`
	Timeout        string          `json:"timeout"`
	Recipient      string          `json:"recipient,omitempty"`
	Meta           json.RawMessage `json:"meta,omitempty"`
}

// ResolveTransferParams resolves or cancels a conditional transfer. A cancel
// is a resolve carrying the definition's empty resolver.
type ResolveTransferParams struct {
	ChannelAddress string          `json:"channelAddress"`
	TransferID     string          `json:"transferId"`
	Resolver       json.RawMessage `json:"transferResolver"`
	Meta           json.RawMessage `json:"meta,omitempty"`
}

// WithdrawParams drains router funds from a channel to an on-chain recipient.
type WithdrawParams struct {
	ChannelAddress string          `json:"channelAddress"`
	AssetID        string          `json:"assetId"`
	Amount         decimal.Decimal `json:"amount"`
	Recipient      string          `json:"recipient"`
}

// CollateralRequest asks the counterparty's engine to add collateral.
type CollateralRequest struct {
	ChannelAddress string          `json:"channelAddress"`
	AssetID        string          `json:"assetId"`
	Amount         decimal.Decimal `json:"amount"`
}

// Engine is the node engine RPC surface the router depends on. Every call is
// a request/response over the engine's JSON API; state change notifications
// arrive separately on the event stream.
type Engine interface {
	// GetChannel fetches the current state of one channel.
	GetChannel(ctx context.Context, channelAddress string) (schema.Channel, error)
	// GetChannels lists every channel the node is a party to.
	GetChannels(ctx context.Context) ([]schema.Channel, error)
	// GetActiveTransfers lists the unresolved transfers in a channel.
	GetActiveTransfers(ctx context.Context, channelAddress string) ([]schema.Transfer, error)
	// GetTransferByRoutingID finds the transfer tagged with routingID inside
	// the channel, if any.
	GetTransferByRoutingID(ctx context.Context, channelAddress, routingID string) (schema.Transfer, bool, error)
	// CreateTransfer installs a conditional transfer in a channel.
	CreateTransfer(ctx context.Context, params CreateTransferParams) (schema.Transfer, error)
	// ResolveTransfer resolves (or cancels) a conditional transfer.
	ResolveTransfer(ctx context.Context, params ResolveTransferParams) (schema.Transfer, error)
	// Deposit reconciles an on-chain deposit into channel balance.
	Deposit(ctx context.Context, channelAddress, assetID string) (schema.Channel, error)
	// RequestCollateral asks the counterparty to collateralize the channel.
	RequestCollateral(ctx context.Context, req CollateralRequest) error
	// Withdraw starts a cooperative withdrawal from the channel.
	Withdraw(ctx context.Context, params WithdrawParams) (schema.WithdrawalCommitment, error)
	// IsAlive reports whether the counterparty of the channel currently
	// answers engine messages.
	IsAlive(ctx context.Context, channelAddress string) (bool, error)
}
