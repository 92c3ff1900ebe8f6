package chain

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/conduitnetwork/conduit/errs"
	"github.com/conduitnetwork/conduit/internal/schema"
)

const defaultTimeout = 60 * time.Second

// Client implements Service against the chain service's HTTP API. Transaction
// signing and nonce management live in the chain service; the router only
// requests submissions and polls outcomes.
type Client struct {
	baseURL string
	http    *http.Client
}

type chainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewClient builds a chain service client rooted at baseURL.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("chain: base url required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	c := new(Client)
	c.baseURL = trimmed
	c.http = httpClient
	return c, nil
}

// SendDepositTx funds the channel multisig and returns the pending tx.
func (c *Client) SendDepositTx(ctx context.Context, params DepositParams) (TxReceipt, error) {
	var receipt TxReceipt
	err := c.do(ctx, http.MethodPost, "/deposit", params, &receipt)
	return receipt, err
}

// SubmitWithdrawal broadcasts a double-signed withdrawal commitment.
func (c *Client) SubmitWithdrawal(ctx context.Context, commitment schema.WithdrawalCommitment, gasPrice decimal.Decimal) (TxReceipt, error) {
	body := struct {
		Commitment schema.WithdrawalCommitment `json:"commitment"`
		GasPrice   decimal.Decimal             `json:"gasPrice"`
	}{Commitment: commitment, GasPrice: gasPrice}
	var receipt TxReceipt
	err := c.do(ctx, http.MethodPost, "/withdraw/submit", body, &receipt)
	return receipt, err
}

// SpeedUpTx rebroadcasts a stuck transaction with a higher gas price.
func (c *Client) SpeedUpTx(ctx context.Context, params SpeedUpParams) (TxReceipt, error) {
	var receipt TxReceipt
	err := c.do(ctx, http.MethodPost, "/tx/speedup", params, &receipt)
	return receipt, err
}

// GasPrice returns the current gas price on the chain.
func (c *Client) GasPrice(ctx context.Context, chainID int64) (decimal.Decimal, error) {
	var result struct {
		GasPrice decimal.Decimal `json:"gasPrice"`
	}
	err := c.do(ctx, http.MethodGet, "/gas-price/"+strconv.FormatInt(chainID, 10), nil, &result)
	return result.GasPrice, err
}

// OnChainBalance reports the router signer's wallet balance for the asset.
func (c *Client) OnChainBalance(ctx context.Context, chainID int64, assetID string) (decimal.Decimal, error) {
	var result struct {
		Balance decimal.Decimal `json:"balance"`
	}
	path := "/balance/" + strconv.FormatInt(chainID, 10) + "/" + url.PathEscape(assetID)
	err := c.do(ctx, http.MethodGet, path, nil, &result)
	return result.Balance, err
}

// SendApproveTx approves token spend for a rebalance.
func (c *Client) SendApproveTx(ctx context.Context, params ApproveParams) (TxReceipt, error) {
	var receipt TxReceipt
	err := c.do(ctx, http.MethodPost, "/rebalance/approve", params, &receipt)
	return receipt, err
}

// SendExecuteTx runs the cross-chain rebalance transfer.
func (c *Client) SendExecuteTx(ctx context.Context, params ExecuteParams) (TxReceipt, error) {
	var receipt TxReceipt
	err := c.do(ctx, http.MethodPost, "/rebalance/execute", params, &receipt)
	return receipt, err
}

// TxMined reports whether a transaction has been mined.
func (c *Client) TxMined(ctx context.Context, chainID int64, transactionHash string) (bool, error) {
	var result struct {
		Mined bool `json:"mined"`
	}
	path := "/tx/" + strconv.FormatInt(chainID, 10) + "/" + url.PathEscape(transactionHash)
	err := c.do(ctx, http.MethodGet, path, nil, &result)
	return result.Mined, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("chain: marshal %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("chain: build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.New(errs.DomainCollateral, errs.TxError,
			errs.WithMessage("chain service unreachable"),
			errs.WithCause(err),
			errs.WithField("path", path))
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return fmt.Errorf("chain: read %s %s response: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var body chainError
		_ = json.Unmarshal(data, &body)
		message := body.Message
		if message == "" {
			message = fmt.Sprintf("%s %s returned %d", method, path, resp.StatusCode)
		}
		reason := errs.TxError
		if body.Code == "INSUFFICIENT_FUNDS" {
			reason = errs.InsufficientFunds
		}
		return errs.New(errs.DomainCollateral, reason,
			errs.WithMessage(message),
			errs.WithHTTP(resp.StatusCode),
			errs.WithField("path", path))
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("chain: decode %s %s response: %w", method, path, err)
	}
	return nil
}
