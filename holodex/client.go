// Package holodex contains a minimal client for the Holodex v2 API, used to
// list live and upcoming videos for the tracked channel set with an API key.
package holodex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RateLimitError indicates the upstream returned 429; RetryAfter is the
// server-communicated wait, zero when the header was absent.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("holodex: rate limited (retry after %s)", e.RetryAfter)
}

// APIError is a non-429 HTTP failure from the upstream.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("holodex: status %d: %s", e.Status, e.Body)
}

// IsTransient reports whether the failure is worth retrying within a cycle.
func (e *APIError) IsTransient() bool { return e.Status >= 500 }

// Video is one raw listing entry. Optional timestamps drive lifecycle
// detection: StartScheduled without StartActual means upcoming, StartActual
// without EndActual means live, EndActual is authoritative for ended.
type Video struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	ChannelID      string     `json:"channel_id"`
	Status         string     `json:"status"`
	StartScheduled *time.Time `json:"start_scheduled"`
	StartActual    *time.Time `json:"start_actual"`
	EndActual      *time.Time `json:"end_actual"`
	AvailableAt    *time.Time `json:"available_at"`
}

// URL returns the public watch URL for the video.
func (v Video) URL() string { return "https://youtube.com/watch?v=" + v.ID }

// Channel holds the subset of channel metadata used for name resolution.
type Channel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	EnglishName string `json:"english_name"`
	Photo       string `json:"photo"`
}

// Client calls the Holodex v2 REST API.
type Client struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return "https://holodex.net/api/v2"
}

// ListLive fetches live and upcoming videos for the given channels. Entries
// that fail to decode individually are dropped and logged; the rest of the
// batch is still returned.
func (c *Client) ListLive(ctx context.Context, channelIDs []string) ([]Video, error) {
	if len(channelIDs) == 0 {
		return nil, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+"/users/live", nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Set("channels", strings.Join(channelIDs, ","))
	req.URL.RawQuery = q.Encode()
	req.Header.Set("X-APIKEY", c.APIKey)
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, fmt.Errorf("holodex: request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return decodeVideos(resp.Body)
}

// GetChannel resolves channel metadata, used for display-name lookups.
func (c *Client) GetChannel(ctx context.Context, channelID string) (*Channel, error) {
	if channelID == "" {
		return nil, errors.New("holodex: channel id empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+"/channels/"+channelID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-APIKEY", c.APIKey)
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, fmt.Errorf("holodex: request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var ch Channel
	if err := json.NewDecoder(resp.Body).Decode(&ch); err != nil {
		return nil, fmt.Errorf("holodex: decode channel: %w", err)
	}
	return &ch, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusTooManyRequests {
		var ra time.Duration
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
				ra = time.Duration(secs) * time.Second
			}
		}
		return &RateLimitError{RetryAfter: ra}
	}
	return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// decodeVideos decodes the listing as raw entries first so one malformed
// entry cannot poison the whole batch.
func decodeVideos(r io.Reader) ([]Video, error) {
	var raw []json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("holodex: decode listing: %w", err)
	}
	out := make([]Video, 0, len(raw))
	for _, m := range raw {
		var v Video
		if err := json.Unmarshal(m, &v); err != nil {
			slog.Warn("dropping undecodable listing entry", slog.Any("err", err))
			continue
		}
		if v.ID == "" {
			slog.Warn("dropping listing entry without id")
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
