package config

import (
	"net/http"
	"strconv"

	"github.com/conduitnetwork/conduit/errs"
	"github.com/conduitnetwork/conduit/internal/schema"
)

// Service answers rebalance-profile and allowed-swap lookups against a loaded
// configuration. Lookups are read-only after construction.
type Service struct {
	profiles map[string]schema.RebalanceProfile
	swaps    map[string]AllowedSwap
	swapList []AllowedSwap
}

// NewService indexes the configuration for lookups.
func NewService(cfg Config) *Service {
	s := new(Service)
	s.profiles = make(map[string]schema.RebalanceProfile, len(cfg.Profiles))
	for _, p := range cfg.Profiles {
		s.profiles[pairKey(p.ChainID, p.AssetID)] = p
	}
	s.swaps = make(map[string]AllowedSwap, len(cfg.AllowedSwaps))
	for _, sw := range cfg.AllowedSwaps {
		s.swaps[swapKey(sw.FromAssetID, sw.FromChainID, sw.ToAssetID, sw.ToChainID)] = sw
	}
	s.swapList = append(s.swapList, cfg.AllowedSwaps...)
	return s
}

// RebalanceProfileFor returns the collateral profile for the pair. A missing
// profile or one whose target exceeds its reclaim threshold is an error, so
// callers never operate on a half-valid profile.
func (s *Service) RebalanceProfileFor(chainID int64, assetID string) (schema.RebalanceProfile, error) {
	profile, ok := s.profiles[pairKey(chainID, assetID)]
	if !ok {
		return schema.RebalanceProfile{}, errs.New(errs.DomainCollateral, errs.UnableToGetRebalanceProfile,
			errs.WithMessage("no rebalance profile configured"),
			errs.WithHTTP(http.StatusNotFound),
			errs.WithField("chainId", formatChainID(chainID)),
			errs.WithField("assetId", assetID))
	}
	if err := profile.Validate(); err != nil {
		return schema.RebalanceProfile{}, err
	}
	return profile, nil
}

// AllowedSwapFor returns the configured swap for the exact (asset, chain)
// pair, or SwapNotAllowed. An explicitly configured entry always wins, so
// operators can put a fee on same-asset same-chain forwards; only unconfigured
// identity pairs fall back to identity rate with no fees.
func (s *Service) AllowedSwapFor(fromAssetID string, fromChainID int64, toAssetID string, toChainID int64) (AllowedSwap, error) {
	if swap, ok := s.swaps[swapKey(fromAssetID, fromChainID, toAssetID, toChainID)]; ok {
		return swap, nil
	}
	if fromAssetID == toAssetID && fromChainID == toChainID {
		return AllowedSwap{
			FromAssetID: fromAssetID,
			FromChainID: fromChainID,
			ToAssetID:   toAssetID,
			ToChainID:   toChainID,
		}, nil
	}
	return AllowedSwap{}, errs.New(errs.DomainSwap, errs.SwapNotAllowed,
		errs.WithMessage("swap not in allowed list"),
		errs.WithHTTP(http.StatusBadRequest),
		errs.WithField("fromAssetId", fromAssetID),
		errs.WithField("fromChainId", formatChainID(fromChainID)),
		errs.WithField("toAssetId", toAssetID),
		errs.WithField("toChainId", formatChainID(toChainID)))
}

// CrossChainSwapsFrom lists the configured swaps that move the asset off the
// given chain, in configuration order.
func (s *Service) CrossChainSwapsFrom(fromAssetID string, fromChainID int64) []AllowedSwap {
	var out []AllowedSwap
	for _, sw := range s.swapList {
		if sw.FromAssetID == fromAssetID && sw.FromChainID == fromChainID && sw.ToChainID != fromChainID {
			out = append(out, sw)
		}
	}
	return out
}

func pairKey(chainID int64, assetID string) string {
	return formatChainID(chainID) + "/" + assetID
}

func formatChainID(chainID int64) string {
	return strconv.FormatInt(chainID, 10)
}
