// Package moderation calls the external message filter and interprets its decision.
package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

type Outcome string

const (
	OutcomeClean    Outcome = "clean"
	OutcomeCensored Outcome = "censored"
	OutcomeBlocked  Outcome = "blocked"
)

// ErrUnavailable wraps every transport or service failure of the filter.
var ErrUnavailable = errors.New("moderation unavailable")

type Request struct {
	Content        string `json:"content"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
}

type Decision struct {
	Allowed     bool    `json:"allowed"`
	Blocked     bool    `json:"blocked"`
	Censored    bool    `json:"censored"`
	Content     *string `json:"content,omitempty"`
	BlockReason *string `json:"block_reason,omitempty"`
}

// Outcome folds the three flags into one result. A refusal that is not a
// censorship is treated as a block.
func (d Decision) Outcome() Outcome {
	switch {
	case d.Blocked:
		return OutcomeBlocked
	case d.Censored:
		return OutcomeCensored
	case !d.Allowed:
		return OutcomeBlocked
	default:
		return OutcomeClean
	}
}

type Client struct {
	url    string
	apiKey string
	http   *http.Client
}

func NewClient(url, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		url:    url,
		apiKey: apiKey,
		http:   &http.Client{Timeout: timeout},
	}
}

func (c *Client) Check(ctx context.Context, req Request) (Decision, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Decision{}, fmt.Errorf("marshal moderation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Decision{}, fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Decision{}, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Decision{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var decision Decision
	if err := json.Unmarshal(payload, &decision); err != nil {
		return Decision{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return decision, nil
}

// AllowAll approves everything. Used when no filter URL is configured.
type AllowAll struct{}

func (AllowAll) Check(context.Context, Request) (Decision, error) {
	return Decision{Allowed: true}, nil
}
