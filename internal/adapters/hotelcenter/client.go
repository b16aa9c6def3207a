// Package hotelcenter talks to the external advertising channel's ARI
// endpoint. The client performs exactly one attempt per call and classifies
// the failure; retry scheduling belongs to the outbox publisher.
package hotelcenter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"staycore/internal/adapters/observability"
	"staycore/internal/domain"
)

type Client struct {
	base string
	hc   *http.Client
	key  string
}

func New(base, key string) (*Client, error) {
	if base == "" {
		return nil, fmt.Errorf("channel base URL is required")
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		hc:   &http.Client{Timeout: 20 * time.Second},
		key:  key,
	}, nil
}

// channelResponse is the structured body the channel returns: per-item
// results keyed by the same dedupe identifiers we sent.
type channelResponse struct {
	Results []struct {
		Key     string `json:"key"`
		Status  string `json:"status"` // ok | error
		Message string `json:"message"`
	} `json:"results"`
}

func (c *Client) Publish(ctx context.Context, batch domain.ChannelBatch) (domain.ChannelResult, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return domain.ChannelResult{}, err
	}
	url := fmt.Sprintf("%s/v1/properties/%s/ari", c.base, batch.PropertyID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return domain.ChannelResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "staycore/1.0")
	if c.key != "" {
		req.Header.Set("X-API-Key", c.key)
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		observability.ObserveExternal("hotelcenter", "ari", 0, time.Since(start))
		if ctx.Err() != nil {
			return domain.ChannelResult{}, &domain.IntegrationError{Transient: true, Detail: "request cancelled or timed out", Err: ctx.Err()}
		}
		return domain.ChannelResult{}, &domain.IntegrationError{Transient: true, Detail: "transport failure", Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	observability.ObserveExternal("hotelcenter", "ari", resp.StatusCode, time.Since(start))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var cr channelResponse
		if err := json.Unmarshal(raw, &cr); err != nil && len(raw) > 0 {
			// Transport said yes but the body is garbage; treat as transient
			// so the batch is retried rather than silently dropped.
			return domain.ChannelResult{Raw: raw}, &domain.IntegrationError{Transient: true, Detail: "unparseable channel response", Err: err}
		}
		res := domain.ChannelResult{Raw: raw}
		for _, item := range cr.Results {
			if item.Status != "ok" {
				res.ItemErrors = append(res.ItemErrors, domain.ItemError{Key: item.Key, Message: item.Message})
			}
		}
		return res, nil

	case resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode >= http.StatusInternalServerError:
		return domain.ChannelResult{Raw: raw},
			&domain.IntegrationError{Transient: true, Detail: fmt.Sprintf("channel replied %d", resp.StatusCode)}

	default:
		// 4xx other than 429: the channel rejected the content itself.
		return domain.ChannelResult{Raw: raw},
			&domain.IntegrationError{Transient: false, Detail: fmt.Sprintf("channel rejected batch with %d: %s",
				resp.StatusCode, strings.TrimSpace(string(raw)))}
	}
}
