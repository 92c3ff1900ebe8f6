// Package store persists the router's forwarding records, withdrawal
// commitments and rebalance actions.
package store

import (
	"context"
	"time"

	"github.com/conduitnetwork/conduit/internal/schema"
)

// ForwardStore records the lifecycle of forwarded transfers keyed by routing
// id. Upserts must be last-writer-wins on UpdatedAt so replayed resolutions
// stay idempotent.
type ForwardStore interface {
	// UpsertForward inserts or updates the forward record.
	UpsertForward(ctx context.Context, forward schema.ForwardedTransfer) error
	// GetForward fetches the forward for routingID.
	GetForward(ctx context.Context, routingID string) (schema.ForwardedTransfer, bool, error)
	// ListForwardsByStatus lists forwards currently in the given status.
	ListForwardsByStatus(ctx context.Context, status schema.ForwardStatus) ([]schema.ForwardedTransfer, error)
}

// WithdrawStore keeps withdrawal commitments until they are mined.
type WithdrawStore interface {
	// SaveCommitment inserts or updates a commitment.
	SaveCommitment(ctx context.Context, commitment schema.WithdrawalCommitment) error
	// GetCommitment fetches one commitment by its channel and transfer.
	GetCommitment(ctx context.Context, channelAddress, transferID string) (schema.WithdrawalCommitment, bool, error)
	// ListUnmined lists fully signed commitments without a transaction hash
	// created before the cutoff.
	ListUnmined(ctx context.Context, createdBefore time.Time) ([]schema.WithdrawalCommitment, error)
	// MarkMined records the transaction hash that settled the commitment.
	MarkMined(ctx context.Context, channelAddress, transferID, transactionHash string) error
}

// RebalanceStore tracks cross-chain rebalance actions.
type RebalanceStore interface {
	// SaveAction inserts or updates an action.
	SaveAction(ctx context.Context, action schema.RebalanceAction) error
	// GetAction fetches an action by id.
	GetAction(ctx context.Context, id string) (schema.RebalanceAction, bool, error)
	// ActiveActionForPair returns the non-terminal action for the pair, if any.
	ActiveActionForPair(ctx context.Context, chainID int64, assetID string) (schema.RebalanceAction, bool, error)
	// ListActive lists every non-terminal action.
	ListActive(ctx context.Context) ([]schema.RebalanceAction, error)
}

// Store aggregates the persistence surfaces behind one handle.
type Store interface {
	ForwardStore
	WithdrawStore
	RebalanceStore
	// Close releases the underlying resources.
	Close()
}
