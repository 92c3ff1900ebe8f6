package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/conduitnetwork/conduit/internal/schema"
)

// Memory is the in-memory Store used by tests and by single-node deployments
// that can tolerate losing records across restarts.
type Memory struct {
	mu          sync.RWMutex
	forwards    map[string]schema.ForwardedTransfer
	commitments map[string]schema.WithdrawalCommitment
	actions     map[string]schema.RebalanceAction
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	m := new(Memory)
	m.forwards = make(map[string]schema.ForwardedTransfer)
	m.commitments = make(map[string]schema.WithdrawalCommitment)
	m.actions = make(map[string]schema.RebalanceAction)
	return m
}

// UpsertForward inserts or updates the forward record.
func (m *Memory) UpsertForward(_ context.Context, forward schema.ForwardedTransfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forwards[forward.RoutingID] = forward
	return nil
}

// GetForward fetches the forward for routingID.
func (m *Memory) GetForward(_ context.Context, routingID string) (schema.ForwardedTransfer, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	forward, ok := m.forwards[routingID]
	return forward, ok, nil
}

// ListForwardsByStatus lists forwards currently in the given status.
func (m *Memory) ListForwardsByStatus(_ context.Context, status schema.ForwardStatus) ([]schema.ForwardedTransfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []schema.ForwardedTransfer
	for _, forward := range m.forwards {
		if forward.Status == status {
			out = append(out, forward)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SaveCommitment inserts or updates a commitment.
func (m *Memory) SaveCommitment(_ context.Context, commitment schema.WithdrawalCommitment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitments[commitmentKey(commitment.ChannelAddress, commitment.TransferID)] = commitment
	return nil
}

// GetCommitment fetches one commitment by its channel and transfer.
func (m *Memory) GetCommitment(_ context.Context, channelAddress, transferID string) (schema.WithdrawalCommitment, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	commitment, ok := m.commitments[commitmentKey(channelAddress, transferID)]
	return commitment, ok, nil
}

// ListUnmined lists fully signed, unmined commitments created before cutoff.
func (m *Memory) ListUnmined(_ context.Context, createdBefore time.Time) ([]schema.WithdrawalCommitment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []schema.WithdrawalCommitment
	for _, commitment := range m.commitments {
		if !commitment.Submittable() {
			continue
		}
		if commitment.CreatedAt.After(createdBefore) {
			continue
		}
		out = append(out, commitment)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MarkMined records the transaction hash that settled the commitment.
func (m *Memory) MarkMined(_ context.Context, channelAddress, transferID, transactionHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := commitmentKey(channelAddress, transferID)
	commitment, ok := m.commitments[key]
	if !ok {
		return nil
	}
	commitment.TransactionHash = transactionHash
	m.commitments[key] = commitment
	return nil
}

// SaveAction inserts or updates an action.
func (m *Memory) SaveAction(_ context.Context, action schema.RebalanceAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[action.ID] = action
	return nil
}

// GetAction fetches an action by id.
func (m *Memory) GetAction(_ context.Context, id string) (schema.RebalanceAction, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	action, ok := m.actions[id]
	return action, ok, nil
}

// ActiveActionForPair returns the non-terminal action for the pair, if any.
func (m *Memory) ActiveActionForPair(_ context.Context, chainID int64, assetID string) (schema.RebalanceAction, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, action := range m.actions {
		if action.ChainID == chainID && action.AssetID == assetID && !action.Status.Terminal() {
			return action, true, nil
		}
	}
	return schema.RebalanceAction{}, false, nil
}

// ListActive lists every non-terminal action.
func (m *Memory) ListActive(_ context.Context) ([]schema.RebalanceAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []schema.RebalanceAction
	for _, action := range m.actions {
		if !action.Status.Terminal() {
			out = append(out, action)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Close releases nothing for the memory store.
func (m *Memory) Close() {}

func commitmentKey(channelAddress, transferID string) string {
	return channelAddress + "|" + transferID
}
