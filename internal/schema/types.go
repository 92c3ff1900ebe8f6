// Package schema defines the data model shared across the Conduit router.
package schema

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/conduitnetwork/conduit/errs"
)

// Channel is the router's read view of a state channel held with one
// counterparty. Balances are integer base units of the respective asset.
type Channel struct {
	Address              string         `json:"channelAddress"`
	ChainID              int64          `json:"chainId"`
	AliceIdentifier      string         `json:"aliceIdentifier"`
	BobIdentifier        string         `json:"bobIdentifier"`
	Assets               []AssetBalance `json:"assets"`
	LatestUpdateSequence uint64         `json:"latestUpdateSequence"`
}

// AssetBalance carries the per-asset split of a channel's funds.
type AssetBalance struct {
	AssetID      string          `json:"assetId"`
	Alice        decimal.Decimal `json:"alice"`
	Bob          decimal.Decimal `json:"bob"`
	AliceIsOwner bool            `json:"aliceIsOwner"`
}

// Participant reports whether the identifier is one of the channel parties.
func (c Channel) Participant(identifier string) bool {
	return identifier != "" && (identifier == c.AliceIdentifier || identifier == c.BobIdentifier)
}

// CounterpartyOf returns the other party's identifier, or "" when the given
// identifier is not in the channel.
func (c Channel) CounterpartyOf(identifier string) string {
	switch identifier {
	case c.AliceIdentifier:
		return c.BobIdentifier
	case c.BobIdentifier:
		return c.AliceIdentifier
	default:
		return ""
	}
}

// BalanceView projects the channel's funds for one asset from the router's
// perspective. It is derived per decision and never cached.
type BalanceView struct {
	ChannelAddress      string
	AssetID             string
	RouterBalance       decimal.Decimal
	CounterpartyBalance decimal.Decimal
}

// BalanceViewFor computes the router-side balance view for assetID. The second
// return is false when the channel holds no entry for the asset, in which case
// both balances are zero.
func (c Channel) BalanceViewFor(assetID, routerIdentifier string) (BalanceView, bool) {
	view := BalanceView{
		ChannelAddress:      c.Address,
		AssetID:             assetID,
		RouterBalance:       decimal.Zero,
		CounterpartyBalance: decimal.Zero,
	}
	for _, asset := range c.Assets {
		if asset.AssetID != assetID {
			continue
		}
		if routerIdentifier == c.AliceIdentifier {
			view.RouterBalance = asset.Alice
			view.CounterpartyBalance = asset.Bob
		} else {
			view.RouterBalance = asset.Bob
			view.CounterpartyBalance = asset.Alice
		}
		return view, true
	}
	return view, false
}

// Transfer is a conditional transfer locked inside a channel. State and
// resolver are opaque, schema-validated payloads keyed by the definition name.
type Transfer struct {
	TransferID     string          `json:"transferId"`
	ChannelAddress string          `json:"channelAddress"`
	ChainID        int64           `json:"chainId"`
	AssetID        string          `json:"assetId"`
	Amount         decimal.Decimal `json:"amount"`
	Definition     string          `json:"transferDefinition"`
	State          json.RawMessage `json:"transferState"`
	Resolver       json.RawMessage `json:"transferResolver,omitempty"`
	Timeout        time.Duration   `json:"timeout"`
	CreatedAt      time.Time       `json:"createdAt"`
	Initiator      string          `json:"initiator"`
	Responder      string          `json:"responder"`
	Meta           json.RawMessage `json:"meta,omitempty"`
}

// RemainingTimeout reports how much of the transfer's timeout is left at now.
func (t Transfer) RemainingTimeout(now time.Time) time.Duration {
	elapsed := now.Sub(t.CreatedAt)
	if elapsed >= t.Timeout {
		return 0
	}
	return t.Timeout - elapsed
}

// RoutingMeta is the forwarding metadata a sender embeds in a transfer's meta.
// A transfer without parseable routing metadata is not forwardable.
type RoutingMeta struct {
	RoutingID        string `json:"routingId"`
	Recipient        string `json:"recipient"`
	RecipientChainID int64  `json:"recipientChainId"`
	RecipientAssetID string `json:"recipientAssetId"`
	RequireOnline    bool   `json:"requireOnline,omitempty"`
	Quote            *Quote `json:"quote,omitempty"`
}

// ParseRoutingMeta extracts forwarding metadata from a transfer meta blob.
func ParseRoutingMeta(raw json.RawMessage) (RoutingMeta, error) {
	var meta RoutingMeta
	if len(raw) == 0 {
		return meta, errs.New(errs.DomainForwardCreation, errs.InvalidForwardingInfo,
			errs.WithMessage("transfer meta missing"))
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, errs.New(errs.DomainForwardCreation, errs.InvalidForwardingInfo,
			errs.WithMessage("transfer meta not parseable"), errs.WithCause(err))
	}
	if err := meta.Validate(); err != nil {
		return meta, err
	}
	return meta, nil
}

// Validate checks the fields a forward cannot proceed without.
func (m RoutingMeta) Validate() error {
	missing := ""
	switch {
	case strings.TrimSpace(m.RoutingID) == "":
		missing = "routingId"
	case strings.TrimSpace(m.Recipient) == "":
		missing = "recipient"
	case m.RecipientChainID == 0:
		missing = "recipientChainId"
	case strings.TrimSpace(m.RecipientAssetID) == "":
		missing = "recipientAssetId"
	}
	if missing != "" {
		return errs.New(errs.DomainForwardCreation, errs.InvalidForwardingInfo,
			errs.WithMessage("routing meta missing "+missing),
			errs.WithField("field", missing))
	}
	return nil
}

// ForwardStatus tracks a forwarded transfer through its lifecycle.
type ForwardStatus string

const (
	// ForwardPending marks a forward observed on the sender side only.
	ForwardPending ForwardStatus = "Pending"
	// ForwardForwarded marks a forward with the receiver-side transfer created.
	ForwardForwarded ForwardStatus = "Forwarded"
	// ForwardResolved marks a forward mirrored back to the sender.
	ForwardResolved ForwardStatus = "Resolved"
	// ForwardCancelled marks a forward whose sender transfer was voided.
	ForwardCancelled ForwardStatus = "Cancelled"
	// ForwardFailed marks a forward that ended in an unrecoverable error.
	ForwardFailed ForwardStatus = "Failed"
)

// Terminal reports whether no further transitions are possible.
func (s ForwardStatus) Terminal() bool {
	return s == ForwardResolved || s == ForwardCancelled || s == ForwardFailed
}

// ForwardedTransfer links a sender-side transfer to its receiver-side mirror.
// It is owned exclusively by the forwarding orchestrator until terminal.
type ForwardedTransfer struct {
	RoutingID          string          `json:"routingId"`
	SenderChannel      string          `json:"senderChannel"`
	SenderTransferID   string          `json:"senderTransferId"`
	ReceiverChannel    string          `json:"receiverChannel"`
	ReceiverTransferID string          `json:"receiverTransferId,omitempty"`
	Status             ForwardStatus   `json:"status"`
	FailureReason      string          `json:"failureReason,omitempty"`
	ForwardedAmount    decimal.Decimal `json:"forwardedAmount"`
	Fee                decimal.Decimal `json:"fee"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// Quote is a signed, time-bounded fee commitment for a prospective forward.
type Quote struct {
	RoutingID   string          `json:"routingId,omitempty"`
	FromAssetID string          `json:"fromAssetId"`
	FromChainID int64           `json:"fromChainId"`
	ToAssetID   string          `json:"toAssetId"`
	ToChainID   int64           `json:"toChainId"`
	Amount      decimal.Decimal `json:"amount"`
	Fee         decimal.Decimal `json:"fee"`
	Expiry      time.Time       `json:"expiry"`
	Signature   string          `json:"signature,omitempty"`
}

// SigningPayload returns the canonical byte representation covered by the
// quote signature. The signature field itself is excluded.
func (q Quote) SigningPayload() ([]byte, error) {
	unsigned := q
	unsigned.Signature = ""
	payload, err := json.Marshal(unsigned)
	if err != nil {
		return nil, errs.New(errs.DomainQuote, errs.CouldNotSignQuote, errs.WithCause(err))
	}
	return payload, nil
}

// Expired reports whether the quote is no longer usable at now.
func (q Quote) Expired(now time.Time) bool {
	return !q.Expiry.IsZero() && !now.Before(q.Expiry)
}

// WithdrawalCommitment is a signed, not-yet-mined withdrawal authorization.
// It only ever gains a signature or a transaction hash; it is never deleted
// while unmined.
type WithdrawalCommitment struct {
	ChannelAddress  string          `json:"channelAddress"`
	TransferID      string          `json:"transferId"`
	ChainID         int64           `json:"chainId"`
	AssetID         string          `json:"assetId"`
	Amount          decimal.Decimal `json:"amount"`
	Recipient       string          `json:"recipient"`
	AliceSignature  string          `json:"aliceSignature,omitempty"`
	BobSignature    string          `json:"bobSignature,omitempty"`
	TransactionHash string          `json:"transactionHash,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// FullySigned reports whether both parties have signed the commitment.
func (w WithdrawalCommitment) FullySigned() bool {
	return w.AliceSignature != "" && w.BobSignature != ""
}

// Submittable reports resubmission eligibility: fully signed and unmined.
func (w WithdrawalCommitment) Submittable() bool {
	return w.FullySigned() && w.TransactionHash == ""
}

// RebalanceProfile holds the per (chain, asset) collateral thresholds.
type RebalanceProfile struct {
	ChainID                int64           `json:"chainId" yaml:"chainId"`
	AssetID                string          `json:"assetId" yaml:"assetId"`
	Target                 decimal.Decimal `json:"target" yaml:"target"`
	CollateralizeThreshold decimal.Decimal `json:"collateralizeThreshold" yaml:"collateralizeThreshold"`
	ReclaimThreshold       decimal.Decimal `json:"reclaimThreshold" yaml:"reclaimThreshold"`
}

// Validate rejects profiles whose target exceeds the reclaim threshold.
// Violations are surfaced, never clamped.
func (p RebalanceProfile) Validate() error {
	if p.Target.GreaterThan(p.ReclaimThreshold) {
		return errs.New(errs.DomainCollateral, errs.TargetHigherThanThreshold,
			errs.WithField("chainId", decimal.NewFromInt(p.ChainID).String()),
			errs.WithField("assetId", p.AssetID),
			errs.WithField("target", p.Target.String()),
			errs.WithField("reclaimThreshold", p.ReclaimThreshold.String()))
	}
	return nil
}

// RebalanceStatus tracks an auto-rebalance action across chains.
type RebalanceStatus string

const (
	// RebalanceInitiated marks a freshly created action.
	RebalanceInitiated RebalanceStatus = "Initiated"
	// RebalanceApproved marks the token approval step done (or skipped).
	RebalanceApproved RebalanceStatus = "Approved"
	// RebalanceExecuted marks the bridge/swap transaction sent.
	RebalanceExecuted RebalanceStatus = "Executed"
	// RebalanceCompleted marks destination funds observed.
	RebalanceCompleted RebalanceStatus = "Completed"
	// RebalanceFailed marks an action requiring manual intervention.
	RebalanceFailed RebalanceStatus = "Failed"
)

// Terminal reports whether the action has finished, successfully or not.
func (s RebalanceStatus) Terminal() bool {
	return s == RebalanceCompleted || s == RebalanceFailed
}

// RebalanceAction is one in-flight liquidity move for a (chain, asset) pair.
// ChainID is the source chain; funds land on ToChainID.
type RebalanceAction struct {
	ID            string          `json:"id"`
	ChainID       int64           `json:"chainId"`
	ToChainID     int64           `json:"toChainId"`
	AssetID       string          `json:"assetId"`
	Amount        decimal.Decimal `json:"amount"`
	Status        RebalanceStatus `json:"status"`
	ApprovalHash  string          `json:"approvalHash,omitempty"`
	ExecutionHash string          `json:"executionHash,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}
