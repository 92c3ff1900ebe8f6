// Package errs provides structured error types shared across the Conduit router.
package errs

import (
	"sort"
	"strconv"
	"strings"
)

// Domain identifies the component a failure originated in.
type Domain string

const (
	// DomainCollateral covers collateralization and reclaim failures.
	DomainCollateral Domain = "collateral"
	// DomainSwap covers swap configuration and rate failures.
	DomainSwap Domain = "swap"
	// DomainForwardCreation covers sender-to-receiver forward creation failures.
	DomainForwardCreation Domain = "forward_creation"
	// DomainForwardResolution covers receiver-to-sender resolution failures.
	DomainForwardResolution Domain = "forward_resolution"
	// DomainCheckIn covers channel check-in task failures.
	DomainCheckIn Domain = "checkin"
	// DomainConfig covers configuration lookup failures.
	DomainConfig Domain = "config_service"
	// DomainAutoRebalance covers auto-rebalance loop failures.
	DomainAutoRebalance Domain = "auto_rebalance"
	// DomainFee covers fee computation failures.
	DomainFee Domain = "fee"
	// DomainQuote covers quote issuance and verification failures.
	DomainQuote Domain = "quote"
	// DomainServer covers admin API failures.
	DomainServer Domain = "server"
)

// Reason is a machine-readable code within a domain. The reason sets below are
// closed: callers construct errors only from these constants.
type Reason string

// Collateral reasons.
const (
	ChannelNotFound             Reason = "ChannelNotFound"
	ProviderNotFound            Reason = "ProviderNotFound"
	NotInChannel                Reason = "NotInChannel"
	UnableToGetRebalanceProfile Reason = "UnableToGetRebalanceProfile"
	TargetHigherThanThreshold   Reason = "TargetHigherThanThreshold"
	TxError                     Reason = "TxError"
	UnableToCollateralize       Reason = "UnableToCollateralize"
	UnableToReclaim             Reason = "UnableToReclaim"
)

// Swap reasons.
const (
	SwapNotAllowed   Reason = "SwapNotAllowed"
	SwapNotHardcoded Reason = "SwapNotHardcoded"
)

// Forward creation reasons.
const (
	InvalidForwardingInfo         Reason = "InvalidForwardingInfo"
	RecipientChannelNotFound      Reason = "RecipientChannelNotFound"
	SenderChannelNotFound         Reason = "SenderChannelNotFound"
	UnableToCalculateSwap         Reason = "UnableToCalculateSwap"
	ErrorForwardingTransfer       Reason = "ErrorForwardingTransfer"
	ErrorQueuingReceiverUpdate    Reason = "ErrorQueuingReceiverUpdate"
	ReceiverOffline               Reason = "ReceiverOffline"
	FailedToCancelSenderTransfer  Reason = "FailedToCancelSenderTransfer"
	UnableToCollateralizeReceiver Reason = "UnableToCollateralize"
)

// Forward resolution reasons.
const (
	IncomingChannelNotFound Reason = "IncomingChannelNotFound"
	ErrorResolvingTransfer  Reason = "ErrorResolvingTransfer"
)

// Check-in reasons.
const (
	CouldNotGetActiveTransfers Reason = "CouldNotGetActiveTransfers"
	CouldNotGetChannel         Reason = "CouldNotGetChannel"
	TasksFailed                Reason = "TasksFailed"
	UpdatesFailed              Reason = "UpdatesFailed"
)

// Config service reasons.
const (
	UnableToGetSwapRate Reason = "UnableToGetSwapRate"
	UnableToFindSwap    Reason = "UnableToFindSwap"
)

// Auto-rebalance reasons.
const (
	CouldNotGetAssetBalance   Reason = "CouldNotGetAssetBalance"
	CouldNotCompleteApproval  Reason = "CouldNotCompleteApproval"
	CouldNotExecuteRebalance  Reason = "CouldNotExecuteRebalance"
	CouldNotCompleteRebalance Reason = "CouldNotCompleteRebalance"
	ExecutedWithoutHash       Reason = "ExecutedWithoutHash"
	RebalanceInProgress       Reason = "RebalanceInProgress"
)

// Fee reasons.
const (
	ChainError           Reason = "ChainError"
	ConversionError      Reason = "ConversionError"
	ExchangeRateError    Reason = "ExchangeRateError"
	FeesLargerThanAmount Reason = "FeesLargerThanAmount"
)

// Quote reasons.
const (
	ChainNotSupported     Reason = "ChainNotSupported"
	CouldNotGetFee        Reason = "CouldNotGetFee"
	CouldNotSignQuote     Reason = "CouldNotSignQuote"
	QuoteExpired          Reason = "QuoteExpired"
	QuoteSignatureInvalid Reason = "QuoteSignatureInvalid"
)

// Server reasons.
const (
	Unauthorized             Reason = "Unauthorized"
	InsufficientFunds        Reason = "InsufficientFunds"
	CommitmentNotFound       Reason = "CommitmentNotFound"
	CommitmentNotSubmittable Reason = "CommitmentNotSubmittable"
	EngineRequestFailed      Reason = "EngineRequestFailed"
)

// E carries a domain, a closed reason code and the structured context needed to
// reconstruct the decision that failed. Context values never include secrets.
type E struct {
	Domain  Domain
	Reason  Reason
	HTTP    int
	Message string
	Context map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the domain and reason code.
func New(domain Domain, reason Reason, opts ...Option) *E {
	e := &E{
		Domain:  domain,
		Reason:  reason,
		HTTP:    0,
		Message: "",
		Context: nil,
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the HTTP status an API surface should map this error to.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithContext merges the provided key/value pairs into the error context.
func WithContext(ctx map[string]string) Option {
	return func(e *E) {
		if len(ctx) == 0 {
			return
		}
		if e.Context == nil {
			e.Context = make(map[string]string, len(ctx))
		}
		for k, v := range ctx {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Context[key] = strings.TrimSpace(v)
		}
	}
}

// WithField appends a single context key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Context == nil {
			e.Context = make(map[string]string, 1)
		}
		e.Context[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	domain := strings.TrimSpace(string(e.Domain))
	if domain == "" {
		domain = "unknown"
	}
	parts = append(parts, "domain="+domain)

	reason := strings.TrimSpace(string(e.Reason))
	if reason == "" {
		reason = "unknown"
	}
	parts = append(parts, "reason="+reason)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Context[k]))
		}
		parts = append(parts, "context="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is matches two envelopes by domain and reason so sentinel comparisons via
// errors.Is work without comparing context payloads.
func (e *E) Is(target error) bool {
	other, ok := target.(*E)
	if !ok {
		return false
	}
	return e != nil && e.Domain == other.Domain && e.Reason == other.Reason
}

// ReasonOf extracts the reason code from err when it wraps an envelope.
func ReasonOf(err error) (Reason, bool) {
	e, ok := AsE(err)
	if !ok {
		return "", false
	}
	return e.Reason, true
}

// AsE unwraps err to the nearest envelope.
func AsE(err error) (*E, bool) {
	for err != nil {
		if e, ok := err.(*E); ok {
			return e, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
