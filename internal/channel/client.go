package channel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/conduitnetwork/conduit/errs"
	"github.com/conduitnetwork/conduit/internal/schema"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxResponseBytes   = 4 * 1024 * 1024
)

// Client is the HTTP implementation of Engine against the node engine's REST
// API. It is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
}

// engineError is the error body the engine returns on non-2xx responses.
type engineError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Context map[string]string `json:"context,omitempty"`
}

// NewClient builds an engine client for the REST API rooted at baseURL.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("channel: engine base url required")
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("channel: engine base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	c := new(Client)
	c.baseURL = trimmed
	c.http = httpClient
	return c, nil
}

// GetChannel fetches the current state of one channel.
func (c *Client) GetChannel(ctx context.Context, channelAddress string) (schema.Channel, error) {
	var channel schema.Channel
	err := c.do(ctx, http.MethodGet, "/channels/"+url.PathEscape(channelAddress), nil, &channel)
	return channel, err
}

// GetChannels lists every channel the node is a party to.
func (c *Client) GetChannels(ctx context.Context) ([]schema.Channel, error) {
	var channels []schema.Channel
	err := c.do(ctx, http.MethodGet, "/channels", nil, &channels)
	return channels, err
}

// GetActiveTransfers lists the unresolved transfers in a channel.
func (c *Client) GetActiveTransfers(ctx context.Context, channelAddress string) ([]schema.Transfer, error) {
	var transfers []schema.Transfer
	err := c.do(ctx, http.MethodGet, "/channels/"+url.PathEscape(channelAddress)+"/active-transfers", nil, &transfers)
	return transfers, err
}

// GetTransferByRoutingID finds the transfer tagged with routingID inside the
// channel. A 404 from the engine means no such transfer, not a failure.
func (c *Client) GetTransferByRoutingID(ctx context.Context, channelAddress, routingID string) (schema.Transfer, bool, error) {
	var transfer schema.Transfer
	path := "/channels/" + url.PathEscape(channelAddress) + "/transfers/routing/" + url.PathEscape(routingID)
	err := c.do(ctx, http.MethodGet, path, nil, &transfer)
	if err != nil {
		if e, ok := errs.AsE(err); ok && e.HTTP == http.StatusNotFound {
			return schema.Transfer{}, false, nil
		}
		return schema.Transfer{}, false, err
	}
	return transfer, true, nil
}

// CreateTransfer installs a conditional transfer in a channel.
func (c *Client) CreateTransfer(ctx context.Context, params CreateTransferParams) (schema.Transfer, error) {
	var transfer schema.Transfer
	err := c.do(ctx, http.MethodPost, "/transfers/create", params, &transfer)
	return transfer, err
}

// ResolveTransfer resolves or cancels a conditional transfer.
func (c *Client) ResolveTransfer(ctx context.Context, params ResolveTransferParams) (schema.Transfer, error) {
	var transfer schema.Transfer
	err := c.do(ctx, http.MethodPost, "/transfers/resolve", params, &transfer)
	return transfer, err
}

// Deposit reconciles an on-chain deposit into channel balance.
func (c *Client) Deposit(ctx context.Context, channelAddress, assetID string) (schema.Channel, error) {
	body := map[string]string{"channelAddress": channelAddress, "assetId": assetID}
	var channel schema.Channel
	err := c.do(ctx, http.MethodPost, "/deposit", body, &channel)
	return channel, err
}

// RequestCollateral asks the counterparty to collateralize the channel.
func (c *Client) RequestCollateral(ctx context.Context, req CollateralRequest) error {
	return c.do(ctx, http.MethodPost, "/request-collateral", req, nil)
}

// Withdraw starts a cooperative withdrawal from the channel.
func (c *Client) Withdraw(ctx context.Context, params WithdrawParams) (schema.WithdrawalCommitment, error) {
	var commitment schema.WithdrawalCommitment
	err := c.do(ctx, http.MethodPost, "/withdraw", params, &commitment)
	return commitment, err
}

// IsAlive reports whether the channel counterparty answers engine messages.
func (c *Client) IsAlive(ctx context.Context, channelAddress string) (bool, error) {
	var result struct {
		Alive bool `json:"alive"`
	}
	err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelAddress)+"/is-alive", nil, &result)
	if err != nil {
		if reason, ok := errs.ReasonOf(err); ok && reason == errs.ReceiverOffline {
			return false, nil
		}
		return false, err
	}
	return result.Alive, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("channel: marshal %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("channel: build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("channel: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("channel: read %s %s response: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.mapError(method, path, resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("channel: decode %s %s response: %w", method, path, err)
	}
	return nil
}

// mapError translates engine error bodies into the router's error taxonomy so
// callers can branch on reasons instead of scraping messages.
func (c *Client) mapError(method, path string, status int, data []byte) error {
	var body engineError
	_ = json.Unmarshal(data, &body)
	message := body.Message
	if message == "" {
		message = fmt.Sprintf("%s %s returned %d", method, path, status)
	}

	opts := []errs.Option{
		errs.WithMessage(message),
		errs.WithHTTP(status),
		errs.WithField("method", method),
		errs.WithField("path", path),
	}
	for k, v := range body.Context {
		opts = append(opts, errs.WithField(k, v))
	}

	switch body.Code {
	case "RECEIVER_OFFLINE", "COUNTERPARTY_OFFLINE":
		return errs.New(errs.DomainForwardCreation, errs.ReceiverOffline, opts...)
	case "CHANNEL_NOT_FOUND":
		return errs.New(errs.DomainCollateral, errs.ChannelNotFound, opts...)
	case "INSUFFICIENT_FUNDS":
		return errs.New(errs.DomainServer, errs.InsufficientFunds, opts...)
	default:
		return errs.New(errs.DomainServer, errs.EngineRequestFailed, opts...)
	}
}
