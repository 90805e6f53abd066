// Package discord contains a minimal REST client for the chat platform
// operations the dispatcher needs: channel creation, message posting, moving a
// channel under an archive category, and deletion. All calls share a local
// rate limiter and a bounded retry that honors Retry-After on 429.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// APIError is a non-2xx response from the chat platform. Status drives the
// transient/permanent split: 429 and 5xx are retried, 4xx are not.
type APIError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord: status %d: %s", e.Status, e.Body)
}

// IsTransient reports whether the call may succeed on retry.
func (e *APIError) IsTransient() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

const (
	channelTypeText = 0
)

// Client is a token-authenticated REST client.
type Client struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client

	// Limiter paces all outgoing calls; defaults to 2 req/s when nil.
	Limiter *rate.Limiter
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return "https://discord.com/api/v10"
}

func (c *Client) limiter() *rate.Limiter {
	if c.Limiter == nil {
		c.Limiter = rate.NewLimiter(rate.Every(500*time.Millisecond), 2)
	}
	return c.Limiter
}

// CreateChannel creates a text channel under the given category and returns its id.
// The topic carries the stream URL so a restart can match channels back to streams.
func (c *Client) CreateChannel(ctx context.Context, guildID, categoryID, name, topic string) (string, error) {
	body := map[string]any{
		"name":      name,
		"type":      channelTypeText,
		"parent_id": categoryID,
		"topic":     topic,
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/guilds/"+guildID+"/channels", body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// SendMessage posts content to a channel and returns the message id.
func (c *Client) SendMessage(ctx context.Context, channelID, content string) (string, error) {
	body := map[string]any{"content": content}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/channels/"+channelID+"/messages", body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// ArchiveChannel moves a channel under the archive category.
func (c *Client) ArchiveChannel(ctx context.Context, channelID, archiveCategoryID string) error {
	body := map[string]any{"parent_id": archiveCategoryID}
	return c.do(ctx, http.MethodPatch, "/channels/"+channelID, body, nil)
}

// DeleteChannel removes a channel entirely.
func (c *Client) DeleteChannel(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodDelete, "/channels/"+channelID, nil, nil)
}

// GuildChannel is one channel in a guild listing. Topic carries the stream
// URL for channels this service created.
type GuildChannel struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Topic    string `json:"topic"`
	ParentID string `json:"parent_id"`
	Type     int    `json:"type"`
}

// ListChannels returns every channel in the guild, used by the startup sweep
// to find chat channels whose stream is no longer tracked.
func (c *Client) ListChannels(ctx context.Context, guildID string) ([]GuildChannel, error) {
	var out []GuildChannel
	if err := c.do(ctx, http.MethodGet, "/guilds/"+guildID+"/channels", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// do performs one authenticated call with pacing and bounded retry on 429/5xx.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("discord: marshal: %w", err)
		}
		payload = b
	}

	const maxRetries = 3
	backoffs := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter().Wait(ctx); err != nil {
			return fmt.Errorf("discord: rate limiter: %w", err)
		}
		var rdr io.Reader
		if payload != nil {
			rdr = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base()+path, rdr)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bot "+c.Token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http().Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("discord: request: %w", err)
			if attempt < maxRetries {
				if err := sleepCtx(ctx, backoffs[attempt]); err != nil {
					return err
				}
			}
			continue
		}
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
		if readErr != nil {
			lastErr = fmt.Errorf("discord: read response: %w", readErr)
			if attempt < maxRetries {
				if err := sleepCtx(ctx, backoffs[attempt]); err != nil {
					return err
				}
			}
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out != nil && len(respBody) > 0 {
				if err := json.Unmarshal(respBody, out); err != nil {
					return fmt.Errorf("discord: decode response: %w", err)
				}
			}
			return nil
		}
		apiErr := &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
		if resp.StatusCode == http.StatusTooManyRequests {
			if s := resp.Header.Get("Retry-After"); s != "" {
				if secs, err := strconv.ParseFloat(s, 64); err == nil && secs > 0 {
					apiErr.RetryAfter = time.Duration(secs * float64(time.Second))
				}
			}
		}
		if !apiErr.IsTransient() {
			return apiErr
		}
		lastErr = apiErr
		if attempt < maxRetries {
			delay := backoffs[attempt]
			if apiErr.RetryAfter > 0 {
				delay = apiErr.RetryAfter
				if delay > 30*time.Second {
					delay = 30 * time.Second
				}
			}
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("discord: %s %s failed after %d retries: %w", method, path, maxRetries, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
