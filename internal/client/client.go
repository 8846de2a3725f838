// Package client is a Go client for the VEIL HTTP API. Bettors use it to
// fetch the cluster key, seal their bets locally and submit them; operators
// use it to drive the market lifecycle.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sbarrientos2/VEIL/internal/domain"
	"github.com/sbarrientos2/VEIL/internal/market"
)

// identityHeader carries the caller's address on every request.
const identityHeader = "X-Veil-Identity"

// Client is the REST client for one VEIL node, acting as one identity.
type Client struct {
	baseURL    string
	apiKey     string
	identity   domain.Address
	wait       time.Duration
	httpClient *http.Client
}

// New creates a client for the node at baseURL, e.g. "http://localhost:8000".
// apiKey may be empty when the node runs without authentication.
func New(baseURL, apiKey string, identity domain.Address) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		identity: identity,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// As returns a copy of the client acting as identity.
func (c *Client) As(identity domain.Address) *Client {
	cp := *c
	cp.identity = identity
	return &cp
}

// WithWait returns a copy of the client that asks the node to hold
// asynchronous calls open for up to d, so they return the finished job.
func (c *Client) WithWait(d time.Duration) *Client {
	cp := *c
	cp.wait = d
	return &cp
}

// Identity returns the address the client acts as.
func (c *Client) Identity() domain.Address { return c.identity }

// APIError is a non-2xx response. It unwraps to a *domain.Error of the kind
// the node reported, so domain.KindOf works on it.
type APIError struct {
	Status  int
	Kind    domain.ErrorKind
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d (%s): %s", e.Status, e.Kind, e.Message)
}

// Unwrap maps 404 and 401/403 to the shared sentinels and everything else to
// a fresh error of the reported kind.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.ErrUnauthorized
	}
	return &domain.Error{Kind: e.Kind, Msg: e.Message}
}

// ClusterInfo is the cluster identity the node trusts.
type ClusterInfo struct {
	PublicKey      domain.PublicKey `json:"public_key"`
	SignerAddress  string           `json:"signer_address"`
	EnvelopeFields int              `json:"envelope_fields"`
}

// Cluster returns the key bettors seal envelopes to.
func (c *Client) Cluster(ctx context.Context) (ClusterInfo, error) {
	var out ClusterInfo
	if err := c.do(ctx, http.MethodGet, "/api/cluster", nil, &out); err != nil {
		return ClusterInfo{}, fmt.Errorf("client: cluster: %w", err)
	}
	return out, nil
}

// CreateMarket creates a market owned by the client's identity.
func (c *Client) CreateMarket(ctx context.Context, req market.CreateMarketRequest) (domain.Market, error) {
	var out domain.Market
	if err := c.do(ctx, http.MethodPost, "/api/markets", req, &out); err != nil {
		return domain.Market{}, fmt.Errorf("client: create market: %w", err)
	}
	return out, nil
}

// GetMarket returns the public view of a market.
func (c *Client) GetMarket(ctx context.Context, addr domain.Address) (domain.Market, error) {
	var out domain.Market
	if err := c.do(ctx, http.MethodGet, marketPath(addr, ""), nil, &out); err != nil {
		return domain.Market{}, fmt.Errorf("client: get market %s: %w", addr, err)
	}
	return out, nil
}

// ListMarkets returns markets in any of the given statuses (all when none).
func (c *Client) ListMarkets(ctx context.Context, statuses ...domain.MarketStatus) ([]domain.Market, error) {
	path := "/api/markets"
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, s := range statuses {
			names[i] = string(s)
		}
		path += "?" + url.Values{"status": {strings.Join(names, ",")}}.Encode()
	}
	var out struct {
		Markets []domain.Market `json:"markets"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("client: list markets: %w", err)
	}
	return out.Markets, nil
}

// Vault is the escrow balance of a market.
type Vault struct {
	Address        domain.Address `json:"address"`
	Market         domain.Address `json:"market"`
	TotalDeposits  uint64         `json:"total_deposits"`
	TotalWithdrawn uint64         `json:"total_withdrawn"`
	Balance        uint64         `json:"balance"`
}

// GetVault returns the market's escrow balance.
func (c *Client) GetVault(ctx context.Context, addr domain.Address) (Vault, error) {
	var out Vault
	if err := c.do(ctx, http.MethodGet, marketPath(addr, "/vault"), nil, &out); err != nil {
		return Vault{}, fmt.Errorf("client: get vault %s: %w", addr, err)
	}
	return out, nil
}

// InitMarketState queues the encrypted zero-state computation.
func (c *Client) InitMarketState(ctx context.Context, addr domain.Address) (domain.Computation, error) {
	job, err := c.queued(ctx, marketPath(addr, "/init"), nil, nil)
	if err != nil {
		return job, fmt.Errorf("client: init market %s: %w", addr, err)
	}
	return job, nil
}

// CloseMarket ends betting.
func (c *Client) CloseMarket(ctx context.Context, addr domain.Address) (domain.Market, error) {
	var out domain.Market
	if err := c.do(ctx, http.MethodPost, marketPath(addr, "/close"), nil, &out); err != nil {
		return domain.Market{}, fmt.Errorf("client: close market %s: %w", addr, err)
	}
	return out, nil
}

// CancelMarket voids the market.
func (c *Client) CancelMarket(ctx context.Context, addr domain.Address) (domain.Market, error) {
	var out domain.Market
	if err := c.do(ctx, http.MethodPost, marketPath(addr, "/cancel"), nil, &out); err != nil {
		return domain.Market{}, fmt.Errorf("client: cancel market %s: %w", addr, err)
	}
	return out, nil
}

// ResolveMarket sets the winning outcome and queues the pool reveal.
func (c *Client) ResolveMarket(ctx context.Context, addr domain.Address, outcome domain.Outcome) (domain.Computation, error) {
	body := map[string]any{"outcome": outcome}
	job, err := c.queued(ctx, marketPath(addr, "/resolve"), body, nil)
	if err != nil {
		return job, fmt.Errorf("client: resolve market %s: %w", addr, err)
	}
	return job, nil
}

// RequestBetCount reveals how many bets the market holds.
func (c *Client) RequestBetCount(ctx context.Context, addr domain.Address) (domain.Computation, error) {
	job, err := c.queued(ctx, marketPath(addr, "/bet-count"), nil, nil)
	if err != nil {
		return job, fmt.Errorf("client: bet count %s: %w", addr, err)
	}
	return job, nil
}

// PlaceBet submits an already sealed envelope with its public stake.
func (c *Client) PlaceBet(ctx context.Context, addr domain.Address, env domain.Envelope, stake uint64) (domain.BetRecord, domain.Computation, error) {
	var extra struct {
		Bet domain.BetRecord `json:"bet"`
	}
	body := map[string]any{"envelope": env, "stake": stake}
	job, err := c.queued(ctx, marketPath(addr, "/bets"), body, &extra)
	if err != nil {
		return domain.BetRecord{}, job, fmt.Errorf("client: place bet on %s: %w", addr, err)
	}
	return extra.Bet, job, nil
}

// ResubmitBet re-queues a Pending bet with a fresh envelope.
func (c *Client) ResubmitBet(ctx context.Context, addr domain.Address, env domain.Envelope) (domain.Computation, error) {
	var resp struct {
		Computation domain.Computation `json:"computation"`
	}
	if err := c.do(ctx, http.MethodPut, c.withWait(marketPath(addr, "/bets")), map[string]any{"envelope": env}, &resp); err != nil {
		return domain.Computation{}, fmt.Errorf("client: resubmit bet on %s: %w", addr, err)
	}
	return resp.Computation, nil
}

// GetBet returns one bettor's record.
func (c *Client) GetBet(ctx context.Context, addr, bettor domain.Address) (domain.BetRecord, error) {
	var out domain.BetRecord
	if err := c.do(ctx, http.MethodGet, marketPath(addr, "/bets/"+bettor.String()), nil, &out); err != nil {
		return domain.BetRecord{}, fmt.Errorf("client: get bet %s on %s: %w", bettor, addr, err)
	}
	return out, nil
}

// ClaimPayout claims the client's winnings, restating its outcome and stake.
func (c *Client) ClaimPayout(ctx context.Context, addr domain.Address, outcome domain.Outcome, stake uint64) (domain.Computation, error) {
	body := map[string]any{"outcome": outcome, "stake": stake}
	job, err := c.queued(ctx, marketPath(addr, "/claim"), body, nil)
	if err != nil {
		return job, fmt.Errorf("client: claim payout on %s: %w", addr, err)
	}
	return job, nil
}

// ClaimRefund reclaims the client's stake on a cancelled market.
func (c *Client) ClaimRefund(ctx context.Context, addr domain.Address) (domain.BetRecord, error) {
	var out domain.BetRecord
	if err := c.do(ctx, http.MethodPost, marketPath(addr, "/refund"), nil, &out); err != nil {
		return domain.BetRecord{}, fmt.Errorf("client: claim refund on %s: %w", addr, err)
	}
	return out, nil
}

// GetComputation returns the persisted record of one job.
func (c *Client) GetComputation(ctx context.Context, id string) (domain.Computation, error) {
	var out domain.Computation
	if err := c.do(ctx, http.MethodGet, "/api/computations/"+url.PathEscape(id), nil, &out); err != nil {
		return domain.Computation{}, fmt.Errorf("client: get computation %s: %w", id, err)
	}
	return out, nil
}

// PendingComputations lists the jobs still in flight on a market.
func (c *Client) PendingComputations(ctx context.Context, addr domain.Address) ([]domain.Computation, error) {
	var out struct {
		Computations []domain.Computation `json:"computations"`
	}
	path := "/api/computations?" + url.Values{"market": {addr.String()}}.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("client: pending computations %s: %w", addr, err)
	}
	return out.Computations, nil
}

// GetArchived reads a settled market back from the node's archive. Nodes
// without archiving answer 404.
func (c *Client) GetArchived(ctx context.Context, addr domain.Address) (domain.ArchivedMarket, error) {
	var out domain.ArchivedMarket
	if err := c.do(ctx, http.MethodGet, "/api/archive/"+addr.String(), nil, &out); err != nil {
		return domain.ArchivedMarket{}, fmt.Errorf("client: get archived %s: %w", addr, err)
	}
	return out, nil
}

// queued posts an asynchronous operation and decodes the computation plus
// any extra fields into extra.
func (c *Client) queued(ctx context.Context, path string, body, extra any) (domain.Computation, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, c.withWait(path), body, &raw); err != nil {
		return domain.Computation{}, err
	}
	var resp struct {
		Computation domain.Computation `json:"computation"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return domain.Computation{}, fmt.Errorf("decode computation: %w", err)
	}
	if extra != nil {
		if err := json.Unmarshal(raw, extra); err != nil {
			return resp.Computation, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.Computation, nil
}

func (c *Client) withWait(path string) string {
	if c.wait <= 0 {
		return path
	}
	return path + "?" + url.Values{"wait": {c.wait.String()}}.Encode()
}

func marketPath(addr domain.Address, suffix string) string {
	return "/api/markets/" + addr.String() + suffix
}

// do performs an HTTP request with the identity and API key headers and
// decodes a 2xx JSON body into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if !c.identity.IsZero() {
		req.Header.Set(identityHeader, c.identity.String())
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// checkHTTPStatus turns a non-2xx response into an *APIError.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	var eb struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	apiErr := &APIError{Status: statusCode, Message: strings.TrimSpace(string(body))}
	if json.Unmarshal(body, &eb) == nil && eb.Error != "" {
		apiErr.Message = eb.Error
		apiErr.Kind = domain.ParseErrorKind(eb.Kind)
	}
	return apiErr
}

// IsKind reports whether err came back from the node with the given kind.
func IsKind(err error, kind domain.ErrorKind) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind == kind || domain.KindOf(apiErr.Unwrap()) == kind
	}
	return domain.KindOf(err) == kind
}
