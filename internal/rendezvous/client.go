package rendezvous

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
	"golang.org/x/time/rate"

	"github.com/samcharles93/strata/internal/comm"
)

// DefaultPoll is the long-poll window a Client requests per round trip.
const DefaultPoll = 5 * time.Second

// Client is a comm.Store backed by a rendezvous Server.
type Client struct {
	base    string
	http    *http.Client
	poll    time.Duration
	limiter *rate.Limiter
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithPoll sets the long-poll window of each Wait round trip.
func WithPoll(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.poll = d
		}
	}
}

// WithRate bounds how often Wait may hit the server.
func WithRate(every time.Duration, burst int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Every(every), max(burst, 1))
	}
}

func NewClient(base string, opts ...ClientOption) *Client {
	c := &Client{
		base:    strings.TrimRight(base, "/"),
		http:    &http.Client{},
		poll:    DefaultPoll,
		limiter: rate.NewLimiter(rate.Every(50*time.Millisecond), 4),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ comm.Store = (*Client)(nil)

func (c *Client) keyURL(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return c.base + "/v1/kv/" + strings.Join(parts, "/")
}

func (c *Client) Set(ctx context.Context, key, value string) error {
	body, err := json.Marshal(Entry{Key: key, Value: value})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.keyURL(key), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rendezvous set %s: %w", key, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", comm.ErrConflict, key)
	default:
		return fmt.Errorf("rendezvous set %s: %s", key, readError(resp))
	}
}

// Wait polls the server until key is set or ctx is done.
func (c *Client) Wait(ctx context.Context, key string) (string, error) {
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			// The next poll would start past the deadline.
			return "", fmt.Errorf("rendezvous wait %s: %w", key, context.DeadlineExceeded)
		}
		poll := c.poll
		if dl, ok := ctx.Deadline(); ok {
			if left := time.Until(dl); left < poll {
				poll = max(left, time.Millisecond)
			}
		}
		v, found, err := c.get(ctx, key, poll)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", err
		}
		if found {
			return v, nil
		}
	}
}

func (c *Client) get(ctx context.Context, key string, wait time.Duration) (string, bool, error) {
	u := c.keyURL(key) + "?wait=" + url.QueryEscape(wait.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("rendezvous get %s: %w", key, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		var e Entry
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
			return "", false, fmt.Errorf("rendezvous get %s: decode: %w", key, err)
		}
		return e.Value, true, nil
	case http.StatusNotFound:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("rendezvous get %s: %s", key, readError(resp))
	}
}

// Healthy reports whether the server answers its health check.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rendezvous health: %s", readError(resp))
	}
	return nil
}

func readError(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e errorBody
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		return fmt.Sprintf("%d %s", resp.StatusCode, e.Error)
	}
	return fmt.Sprintf("%d %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}
