// Package postgres implements the router stores on PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/conduitnetwork/conduit/internal/schema"
)

// Store persists forwards, withdrawal commitments and rebalance actions
// behind one pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects a store to the database at dsn.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const forwardUpsertSQL = `
INSERT INTO forwarded_transfers (
    routing_id,
    sender_channel,
    sender_transfer_id,
    receiver_channel,
    receiver_transfer_id,
    status,
    failure_reason,
    forwarded_amount,
    fee,
    created_at,
    updated_at
)
VALUES (
    @routing_id,
    @sender_channel,
    @sender_transfer_id,
    @receiver_channel,
    @receiver_transfer_id,
    @status,
    @failure_reason,
    @forwarded_amount,
    @fee,
    @created_at,
    @updated_at
)
ON CONFLICT (routing_id) DO UPDATE SET
    receiver_channel = EXCLUDED.receiver_channel,
    receiver_transfer_id = EXCLUDED.receiver_transfer_id,
    status = EXCLUDED.status,
    failure_reason = EXCLUDED.failure_reason,
    forwarded_amount = EXCLUDED.forwarded_amount,
    fee = EXCLUDED.fee,
    updated_at = EXCLUDED.updated_at;
`

const forwardSelectBase = `
SELECT
    routing_id,
    sender_channel,
    sender_transfer_id,
    receiver_channel,
    receiver_transfer_id,
    status,
    failure_reason,
    forwarded_amount::text,
    fee::text,
    created_at,
    updated_at
FROM forwarded_transfers
`

// UpsertForward inserts or updates the forward record.
func (s *Store) UpsertForward(ctx context.Context, forward schema.ForwardedTransfer) error {
	args := pgx.NamedArgs{
		"routing_id":           forward.RoutingID,
		"sender_channel":       forward.SenderChannel,
		"sender_transfer_id":   forward.SenderTransferID,
		"receiver_channel":     forward.ReceiverChannel,
		"receiver_transfer_id": forward.ReceiverTransferID,
		"status":               string(forward.Status),
		"failure_reason":       forward.FailureReason,
		"forwarded_amount":     forward.ForwardedAmount,
		"fee":                  forward.Fee,
		"created_at":           forward.CreatedAt,
		"updated_at":           forward.UpdatedAt,
	}
	if _, err := s.pool.Exec(ctx, forwardUpsertSQL, args); err != nil {
		return fmt.Errorf("postgres store: upsert forward: %w", err)
	}
	return nil
}

// GetForward fetches the forward for routingID.
func (s *Store) GetForward(ctx context.Context, routingID string) (schema.ForwardedTransfer, bool, error) {
	rows, err := s.pool.Query(ctx, forwardSelectBase+" WHERE routing_id = $1", routingID)
	if err != nil {
		return schema.ForwardedTransfer{}, false, fmt.Errorf("postgres store: get forward: %w", err)
	}
	defer rows.Close()

	forwards, err := scanForwards(rows)
	if err != nil {
		return schema.ForwardedTransfer{}, false, err
	}
	if len(forwards) == 0 {
		return schema.ForwardedTransfer{}, false, nil
	}
	return forwards[0], true, nil
}

// ListForwardsByStatus lists forwards currently in the given status.
func (s *Store) ListForwardsByStatus(ctx context.Context, status schema.ForwardStatus) ([]schema.ForwardedTransfer, error) {
	rows, err := s.pool.Query(ctx, forwardSelectBase+" WHERE status = $1 ORDER BY created_at", string(status))
	if err != nil {
		return nil, fmt.Errorf("postgres store: list forwards: %w", err)
	}
	defer rows.Close()
	return scanForwards(rows)
}

func scanForwards(rows pgx.Rows) ([]schema.ForwardedTransfer, error) {
	var out []schema.ForwardedTransfer
	for rows.Next() {
		var (
			forward    schema.ForwardedTransfer
			status     string
			amountText string
			feeText    string
		)
		if err := rows.Scan(
			&forward.RoutingID,
			&forward.SenderChannel,
			&forward.SenderTransferID,
			&forward.ReceiverChannel,
			&forward.ReceiverTransferID,
			&status,
			&forward.FailureReason,
			&amountText,
			&feeText,
			&forward.CreatedAt,
			&forward.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres store: scan forward: %w", err)
		}
		forward.Status = schema.ForwardStatus(status)
		amount, err := decimal.NewFromString(amountText)
		if err != nil {
			return nil, fmt.Errorf("postgres store: parse forwarded amount: %w", err)
		}
		fee, err := decimal.NewFromString(feeText)
		if err != nil {
			return nil, fmt.Errorf("postgres store: parse fee: %w", err)
		}
		forward.ForwardedAmount = amount
		forward.Fee = fee
		out = append(out, forward)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: iterate forwards: %w", err)
	}
	return out, nil
}

const commitmentUpsertSQL = `
INSERT INTO withdrawal_commitments (
    channel_address,
    transfer_id,
    chain_id,
    asset_id,
    amount,
    recipient,
    alice_signature,
    bob_signature,
    transaction_hash,
    created_at
)
VALUES (
    @channel_address,
    @transfer_id,
    @chain_id,
    @asset_id,
    @amount,
    @recipient,
    @alice_signature,
    @bob_signature,
    @transaction_hash,
    @created_at
)
ON CONFLICT (channel_address, transfer_id) DO UPDATE SET
    alice_signature = EXCLUDED.alice_signature,
    bob_signature = EXCLUDED.bob_signature,
    transaction_hash = EXCLUDED.transaction_hash;
`

const commitmentSelectBase = `
SELECT
    channel_address,
    transfer_id,
    chain_id,
    asset_id,
    amount::text,
    recipient,
    alice_signature,
    bob_signature,
    transaction_hash,
    created_at
FROM withdrawal_commitments
`

// SaveCommitment inserts or updates a commitment.
func (s *Store) SaveCommitment(ctx context.Context, commitment schema.WithdrawalCommitment) error {
	createdAt := commitment.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	args := pgx.NamedArgs{
		"channel_address":  commitment.ChannelAddress,
		"transfer_id":      commitment.TransferID,
		"chain_id":         commitment.ChainID,
		"asset_id":         commitment.AssetID,
		"amount":           commitment.Amount,
		"recipient":        commitment.Recipient,
		"alice_signature":  commitment.AliceSignature,
		"bob_signature":    commitment.BobSignature,
		"transaction_hash": commitment.TransactionHash,
		"created_at":       createdAt,
	}
	if _, err := s.pool.Exec(ctx, commitmentUpsertSQL, args); err != nil {
		return fmt.Errorf("postgres store: save commitment: %w", err)
	}
	return nil
}

// GetCommitment fetches one commitment by its channel and transfer.
func (s *Store) GetCommitment(ctx context.Context, channelAddress, transferID string) (schema.WithdrawalCommitment, bool, error) {
	rows, err := s.pool.Query(ctx, commitmentSelectBase+" WHERE channel_address = $1 AND transfer_id = $2",
		channelAddress, transferID)
	if err != nil {
		return schema.WithdrawalCommitment{}, false, fmt.Errorf("postgres store: get commitment: %w", err)
	}
	defer rows.Close()

	commitments, err := scanCommitments(rows)
	if err != nil {
		return schema.WithdrawalCommitment{}, false, err
	}
	if len(commitments) == 0 {
		return schema.WithdrawalCommitment{}, false, nil
	}
	return commitments[0], true, nil
}

// ListUnmined lists fully signed, unmined commitments created before cutoff.
func (s *Store) ListUnmined(ctx context.Context, createdBefore time.Time) ([]schema.WithdrawalCommitment, error) {
	query := commitmentSelectBase + `
 WHERE transaction_hash = ''
   AND alice_signature <> ''
   AND bob_signature <> ''
   AND created_at <= $1
 ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query, createdBefore)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list unmined: %w", err)
	}
	defer rows.Close()
	return scanCommitments(rows)
}

// MarkMined records the transaction hash that settled the commitment.
func (s *Store) MarkMined(ctx context.Context, channelAddress, transferID, transactionHash string) error {
	args := pgx.NamedArgs{
		"channel_address":  channelAddress,
		"transfer_id":      transferID,
		"transaction_hash": transactionHash,
	}
	query := `
UPDATE withdrawal_commitments
SET transaction_hash = @transaction_hash
WHERE channel_address = @channel_address AND transfer_id = @transfer_id;`
	if _, err := s.pool.Exec(ctx, query, args); err != nil {
		return fmt.Errorf("postgres store: mark mined: %w", err)
	}
	return nil
}

func scanCommitments(rows pgx.Rows) ([]schema.WithdrawalCommitment, error) {
	var out []schema.WithdrawalCommitment
	for rows.Next() {
		var (
			commitment schema.WithdrawalCommitment
			amountText string
		)
		if err := rows.Scan(
			&commitment.ChannelAddress,
			&commitment.TransferID,
			&commitment.ChainID,
			&commitment.AssetID,
			&amountText,
			&commitment.Recipient,
			&commitment.AliceSignature,
			&commitment.BobSignature,
			&commitment.TransactionHash,
			&commitment.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres store: scan commitment: %w", err)
		}
		amount, err := decimal.NewFromString(amountText)
		if err != nil {
			return nil, fmt.Errorf("postgres store: parse commitment amount: %w", err)
		}
		commitment.Amount = amount
		out = append(out, commitment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: iterate commitments: %w", err)
	}
	return out, nil
}

const actionUpsertSQL = `
INSERT INTO rebalance_actions (
    id,
    chain_id,
    to_chain_id,
    asset_id,
    amount,
    status,
    approval_hash,
    execution_hash,
    created_at,
    updated_at
)
VALUES (
    @id,
    @chain_id,
    @to_chain_id,
    @asset_id,
    @amount,
    @status,
    @approval_hash,
    @execution_hash,
    @created_at,
    @updated_at
)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    approval_hash = EXCLUDED.approval_hash,
    execution_hash = EXCLUDED.execution_hash,
    updated_at = EXCLUDED.updated_at;
`

const actionSelectBase = `
SELECT
    id,
    chain_id,
    to_chain_id,
    asset_id,
    amount::text,
    status,
    approval_hash,
    execution_hash,
    created_at,
    updated_at
FROM rebalance_actions
`

// SaveAction inserts or updates an action.
func (s *Store) SaveAction(ctx context.Context, action schema.RebalanceAction) error {
	args := pgx.NamedArgs{
		"id":             action.ID,
		"chain_id":       action.ChainID,
		"to_chain_id":    action.ToChainID,
		"asset_id":       action.AssetID,
		"amount":         action.Amount,
		"status":         string(action.Status),
		"approval_hash":  action.ApprovalHash,
		"execution_hash": action.ExecutionHash,
		"created_at":     action.CreatedAt,
		"updated_at":     action.UpdatedAt,
	}
	if _, err := s.pool.Exec(ctx, actionUpsertSQL, args); err != nil {
		return fmt.Errorf("postgres store: save action: %w", err)
	}
	return nil
}

// GetAction fetches an action by id.
func (s *Store) GetAction(ctx context.Context, id string) (schema.RebalanceAction, bool, error) {
	rows, err := s.pool.Query(ctx, actionSelectBase+" WHERE id = $1", id)
	if err != nil {
		return schema.RebalanceAction{}, false, fmt.Errorf("postgres store: get action: %w", err)
	}
	defer rows.Close()

	actions, err := scanActions(rows)
	if err != nil {
		return schema.RebalanceAction{}, false, err
	}
	if len(actions) == 0 {
		return schema.RebalanceAction{}, false, nil
	}
	return actions[0], true, nil
}

// ActiveActionForPair returns the non-terminal action for the pair, if any.
func (s *Store) ActiveActionForPair(ctx context.Context, chainID int64, assetID string) (schema.RebalanceAction, bool, error) {
	query := actionSelectBase + `
 WHERE chain_id = $1 AND asset_id = $2 AND status NOT IN ('Completed', 'Failed')
 ORDER BY created_at DESC LIMIT 1`
	rows, err := s.pool.Query(ctx, query, chainID, assetID)
	if err != nil {
		return schema.RebalanceAction{}, false, fmt.Errorf("postgres store: active action: %w", err)
	}
	defer rows.Close()

	actions, err := scanActions(rows)
	if err != nil {
		return schema.RebalanceAction{}, false, err
	}
	if len(actions) == 0 {
		return schema.RebalanceAction{}, false, nil
	}
	return actions[0], true, nil
}

// ListActive lists every non-terminal action.
func (s *Store) ListActive(ctx context.Context) ([]schema.RebalanceAction, error) {
	query := actionSelectBase + " WHERE status NOT IN ('Completed', 'Failed') ORDER BY created_at"
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list active actions: %w", err)
	}
	defer rows.Close()
	return scanActions(rows)
}

func scanActions(rows pgx.Rows) ([]schema.RebalanceAction, error) {
	var out []schema.RebalanceAction
	for rows.Next() {
		var (
			action     schema.RebalanceAction
			amountText string
			status     string
		)
		if err := rows.Scan(
			&action.ID,
			&action.ChainID,
			&action.ToChainID,
			&action.AssetID,
			&amountText,
			&status,
			&action.ApprovalHash,
			&action.ExecutionHash,
			&action.CreatedAt,
			&action.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres store: scan action: %w", err)
		}
		amount, err := decimal.NewFromString(amountText)
		if err != nil {
			return nil, fmt.Errorf("postgres store: parse action amount: %w", err)
		}
		action.Amount = amount
		action.Status = schema.RebalanceStatus(status)
		out = append(out, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: iterate actions: %w", err)
	}
	return out, nil
}
