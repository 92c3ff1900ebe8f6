package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind identifies a router event category on the bus.
type EventKind string

const (
	// KindTransferCreated is emitted when the engine countersigns a new
	// conditional transfer on one of the router's channels.
	KindTransferCreated EventKind = "TRANSFER_CREATED"
	// KindTransferResolved is emitted when a conditional transfer resolves.
	KindTransferResolved EventKind = "TRANSFER_RESOLVED"
	// KindRoutingComplete is emitted after a successful receiver-side creation.
	KindRoutingComplete EventKind = "TRANSFER_ROUTING_COMPLETE"
	// KindDepositReconciled is emitted when an on-chain deposit is folded into
	// the off-chain balance.
	KindDepositReconciled EventKind = "DEPOSIT_RECONCILED"
	// KindIsAlive is emitted when a counterparty checks in.
	KindIsAlive EventKind = "IS_ALIVE"
	// KindRequestCollateral is emitted when a counterparty asks the router to
	// collateralize a channel.
	KindRequestCollateral EventKind = "REQUEST_COLLATERAL"
	// KindCollateralized is emitted after the router tops up a channel.
	KindCollateralized EventKind = "COLLATERALIZED"
	// KindRebalanceTransition is emitted on every rebalance action transition.
	KindRebalanceTransition EventKind = "REBALANCE_TRANSITION"
	// KindWithdrawalSubmitted is emitted after a withdrawal (re)submission.
	KindWithdrawalSubmitted EventKind = "WITHDRAWAL_SUBMITTED"
)

// Event is the envelope delivered to bus subscribers.
type Event struct {
	Kind    EventKind
	At      time.Time
	Payload any
}

// TransferCreatedPayload accompanies KindTransferCreated.
type TransferCreatedPayload struct {
	ChannelAddress string
	Transfer       Transfer
	ConditionType  string
}

// TransferResolvedPayload accompanies KindTransferResolved.
type TransferResolvedPayload struct {
	ChannelAddress string
	Transfer       Transfer
}

// RoutingCompletePayload accompanies KindRoutingComplete.
type RoutingCompletePayload struct {
	RoutingID           string
	InitiatorIdentifier string
	ResponderIdentifier string
}

// DepositReconciledPayload accompanies KindDepositReconciled.
type DepositReconciledPayload struct {
	ChannelAddress string
	AssetID        string
}

// IsAlivePayload accompanies KindIsAlive.
type IsAlivePayload struct {
	ChannelAddress string
	ChainID        int64
	SkipCheckIn    bool
}

// RequestCollateralPayload accompanies KindRequestCollateral.
type RequestCollateralPayload struct {
	ChannelAddress string
	AssetID        string
	Amount         decimal.Decimal
}

// CollateralizedPayload accompanies KindCollateralized.
type CollateralizedPayload struct {
	ChannelAddress string
	AssetID        string
	Amount         decimal.Decimal
}

// RebalanceTransitionPayload accompanies KindRebalanceTransition.
type RebalanceTransitionPayload struct {
	Action RebalanceAction
}

// WithdrawalSubmittedPayload accompanies KindWithdrawalSubmitted.
type WithdrawalSubmittedPayload struct {
	ChannelAddress  string
	TransferID      string
	TransactionHash string
	Err             string
}
