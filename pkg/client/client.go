// Package client is the buyer-side SDK for the apex dispatch endpoint. It
// wraps the five protocol methods, decodes structured protocol errors into
// apexerr values, and signs outgoing messages when a wallet is attached.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/apexprotocol/apex-go/pkg/estimate"
	"github.com/apexprotocol/apex-go/pkg/httpx"
	"github.com/apexprotocol/apex-go/pkg/negotiation"
	"github.com/apexprotocol/apex-go/pkg/wallet"
)

// Client talks to one seller's dispatch endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	wallet  *wallet.Wallet
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithWallet attaches a signing wallet. Every outgoing message without an
// envelope is signed with it, and the buyer identity defaults to the wallet
// address.
func WithWallet(w *wallet.Wallet) Option {
	return func(c *Client) { c.wallet = w }
}

// New builds a client for the seller at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type estimateParams struct {
	Capability string `json:"capability"`
	Input      string `json:"input,omitempty"`
}

// Estimate requests a time-boxed price quote for a capability.
func (c *Client) Estimate(ctx context.Context, capability, input string) (*estimate.Estimate, error) {
	return call[estimate.Estimate](c, ctx, httpx.MethodEstimate, estimateParams{
		Capability: capability,
		Input:      input,
	})
}

// Propose opens a job.
func (c *Client) Propose(ctx context.Context, req negotiation.ProposeRequest) (*negotiation.Result, error) {
	if c.wallet != nil {
		if req.Buyer == "" {
			req.Buyer = c.wallet.Address()
		}
		if req.Signature == nil {
			env, err := c.wallet.Sign(req, httpx.MethodPropose)
			if err != nil {
				return nil, err
			}
			req.Signature = &env
		}
	}
	return call[negotiation.Result](c, ctx, httpx.MethodPropose, req)
}

// Counter sends the buyer's next offer in an open negotiation.
func (c *Client) Counter(ctx context.Context, req negotiation.CounterRequest) (*negotiation.Result, error) {
	if c.wallet != nil {
		if req.Buyer == "" {
			req.Buyer = c.wallet.Address()
		}
		if req.Signature == nil {
			env, err := c.wallet.Sign(req, httpx.MethodCounter)
			if err != nil {
				return nil, err
			}
			req.Signature = &env
		}
	}
	return call[negotiation.Result](c, ctx, httpx.MethodCounter, req)
}

// Accept closes on the seller's price, optionally carrying payment proof.
func (c *Client) Accept(ctx context.Context, req negotiation.AcceptRequest) (*negotiation.Result, error) {
	if c.wallet != nil {
		if req.Buyer == "" {
			req.Buyer = c.wallet.Address()
		}
		if req.Signature == nil {
			env, err := c.wallet.Sign(req, httpx.MethodAccept)
			if err != nil {
				return nil, err
			}
			req.Signature = &env
		}
	}
	return call[negotiation.Result](c, ctx, httpx.MethodAccept, req)
}

type rejectParams struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
	Buyer  string `json:"buyer,omitempty"`
}

// Reject walks away from a job.
func (c *Client) Reject(ctx context.Context, jobID, reason string) (*negotiation.Result, error) {
	params := rejectParams{JobID: jobID, Reason: reason}
	if c.wallet != nil {
		params.Buyer = c.wallet.Address()
	}
	return call[negotiation.Result](c, ctx, httpx.MethodReject, params)
}

type statusParams struct {
	JobID string `json:"job_id"`
}

// Status fetches the current view of a job.
func (c *Client) Status(ctx context.Context, jobID string) (*negotiation.Snapshot, error) {
	return call[negotiation.Snapshot](c, ctx, httpx.MethodStatus, statusParams{JobID: jobID})
}

func call[T any](c *Client, ctx context.Context, method string, params any) (*T, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(httpx.RPCRequest{
		RequestID: httpx.NewRequestID(),
		Method:    method,
		Params:    raw,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/apex", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var envelope httpx.RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("%s: http %d", method, resp.StatusCode)
		}
		return nil, fmt.Errorf("%s: decoding response: %w", method, err)
	}
	if envelope.Error != nil {
		return nil, envelope.Error
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: http %d", method, resp.StatusCode)
	}

	var out T
	if err := json.Unmarshal(envelope.Result, &out); err != nil {
		return nil, fmt.Errorf("%s: decoding result: %w", method, err)
	}
	return &out, nil
}
