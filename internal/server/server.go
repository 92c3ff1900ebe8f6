// Package server exposes the router's admin API: quote issuance, channel and
// forward inspection, manual withdrawal resubmission and rebalance triggers.
package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/conduitnetwork/conduit/errs"
	"github.com/conduitnetwork/conduit/internal/config"
	"github.com/conduitnetwork/conduit/internal/observability"
	"github.com/conduitnetwork/conduit/internal/registry"
	"github.com/conduitnetwork/conduit/internal/schema"
	"github.com/conduitnetwork/conduit/internal/store"
	"github.com/conduitnetwork/conduit/internal/swap"
)

const maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

// Resubmitter drives one withdrawal commitment by hand.
type Resubmitter interface {
	Resubmit(ctx context.Context, channelAddress, transferID string) (schema.WithdrawalCommitment, error)
}

// RebalanceStarter kicks off a liquidity move between chains.
type RebalanceStarter interface {
	Start(ctx context.Context, fromChainID, toChainID int64, assetID string, amount decimal.Decimal) (schema.RebalanceAction, error)
}

// Collateralizer tops up a channel on request.
type Collateralizer interface {
	EnsureCollateral(ctx context.Context, channelAddress, assetID string, requested decimal.Decimal) (schema.Channel, error)
}

// Deps collects everything the admin API surfaces.
type Deps struct {
	AdminToken string
	Registry   *registry.Registry
	Lookup     *config.Service
	Quoter     *swap.Quoter
	Forwards   store.ForwardStore
	Actions    store.RebalanceStore
	Withdraw   Resubmitter
	Rebalance  RebalanceStarter
	Collateral Collateralizer
}

type server struct {
	deps Deps
}

// NewHandler builds the admin API handler. All routes except /health require
// the bearer token.
func NewHandler(deps Deps) http.Handler {
	s := &server{deps: deps}
	if deps.AdminToken == "" {
		observability.Log().Warn("server: admin token not configured, API is unauthenticated")
	}

	r := chi.NewRouter()
	r.Get("/health", s.health)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/quote", s.issueQuote)
		r.Get("/channels", s.listChannels)
		r.Get("/channels/{address}", s.getChannel)
		r.Get("/forwards/{routingID}", s.getForward)
		r.Get("/rebalance/profiles/{chainID}/{assetID}", s.getProfile)
		r.Post("/collateral/request", s.requestCollateral)
		r.Post("/withdraw/retry", s.retryWithdrawal)
		r.Post("/rebalance", s.startRebalance)
		r.Get("/rebalance/{actionID}", s.getRebalance)
	})
	return r
}

func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.AdminToken != "" {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.deps.AdminToken)) != 1 {
				writeErr(w, errs.New(errs.DomainServer, errs.Unauthorized,
					errs.WithHTTP(http.StatusUnauthorized),
					errs.WithMessage("invalid admin token")))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type quoteRequest struct {
	RoutingID   string          `json:"routingId"`
	FromAssetID string          `json:"fromAssetId"`
	FromChainID int64           `json:"fromChainId"`
	ToAssetID   string          `json:"toAssetId"`
	ToChainID   int64           `json:"toChainId"`
	Amount      decimal.Decimal `json:"amount"`
}

func (s *server) issueQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	quote, err := s.deps.Quoter.Issue(r.Context(), req.RoutingID, req.FromAssetID, req.FromChainID, req.ToAssetID, req.ToChainID, req.Amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (s *server) listChannels(w http.ResponseWriter, _ *http.Request) {
	channels := s.deps.Registry.All()
	writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

func (s *server) getChannel(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	channel, ok := s.deps.Registry.ByAddress(address)
	if !ok {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	writeJSON(w, http.StatusOK, channel)
}

func (s *server) getForward(w http.ResponseWriter, r *http.Request) {
	routingID := chi.URLParam(r, "routingID")
	forward, ok, err := s.deps.Forwards.GetForward(r.Context(), routingID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "forward not found")
		return
	}
	writeJSON(w, http.StatusOK, forward)
}

func (s *server) getProfile(w http.ResponseWriter, r *http.Request) {
	chainID, err := strconv.ParseInt(chi.URLParam(r, "chainID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chain id")
		return
	}
	profile, err := s.deps.Lookup.RebalanceProfileFor(chainID, chi.URLParam(r, "assetID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

type collateralRequest struct {
	ChannelAddress string          `json:"channelAddress"`
	AssetID        string          `json:"assetId"`
	Amount         decimal.Decimal `json:"amount"`
}

func (s *server) requestCollateral(w http.ResponseWriter, r *http.Request) {
	var req collateralRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ChannelAddress == "" || req.AssetID == "" {
		writeError(w, http.StatusBadRequest, "channelAddress and assetId required")
		return
	}
	channel, err := s.deps.Collateral.EnsureCollateral(r.Context(), req.ChannelAddress, req.AssetID, req.Amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, channel)
}

type retryWithdrawalRequest struct {
	ChannelAddress string `json:"channelAddress"`
	TransferID     string `json:"transferId"`
}

func (s *server) retryWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req retryWithdrawalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	commitment, err := s.deps.Withdraw.Resubmit(r.Context(), req.ChannelAddress, req.TransferID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commitment)
}

type rebalanceRequest struct {
	FromChainID int64           `json:"fromChainId"`
	ToChainID   int64           `json:"toChainId"`
	AssetID     string          `json:"assetId"`
	Amount      decimal.Decimal `json:"amount"`
}

func (s *server) startRebalance(w http.ResponseWriter, r *http.Request) {
	var req rebalanceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	action, err := s.deps.Rebalance.Start(r.Context(), req.FromChainID, req.ToChainID, req.AssetID, req.Amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, action)
}

func (s *server) getRebalance(w http.ResponseWriter, r *http.Request) {
	action, ok, err := s.deps.Actions.GetAction(r.Context(), chi.URLParam(r, "actionID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "rebalance action not found")
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	defer func() {
		_ = r.Body.Close()
	}()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "decode payload: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

// writeErr maps an errs envelope to its HTTP status, defaulting to 500 for
// errors that carry none.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := err.Error()
	if e, ok := errs.AsE(err); ok {
		if e.HTTP > 0 {
			status = e.HTTP
		}
		writeJSON(w, status, map[string]string{
			"status": "error",
			"reason": string(e.Reason),
			"error":  message,
		})
		return
	}
	writeError(w, status, message)
}
