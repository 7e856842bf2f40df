// Package gateway talks to the platform through an HTTP JSON sidecar that
// owns the MTProto connections. Each identity gets its own sidecar session.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/channel-crawler/internal/crawler"
)

// Config locates the sidecar.
type Config struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`

	// RateLimitWait stands in for the wait when a rate limit response names
	// none. Values under a second select one second.
	RateLimitWait time.Duration `mapstructure:"rate_limit_wait"`
}

// Platform error codes reported by the sidecar that mean the identity is banned.
var banCodes = map[string]struct{}{
	"USER_BANNED_IN_CHANNEL": {},
	"USER_DEACTIVATED":       {},
	"USER_DEACTIVATED_BAN":   {},
	"PHONE_NUMBER_BANNED":    {},
	"AUTH_KEY_UNREGISTERED":  {},
	"SESSION_REVOKED":        {},
}

// Dialer opens sidecar sessions. It implements crawler.Dialer.
type Dialer struct {
	base        *url.URL
	token       string
	client      *http.Client
	logger      *zap.Logger
	defaultWait int
}

var _ crawler.Dialer = (*Dialer)(nil)

// NewDialer validates cfg. A nil client gets one with cfg.Timeout.
func NewDialer(cfg Config, client *http.Client, logger *zap.Logger) (*Dialer, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("gateway base_url %q is not an absolute URL", cfg.BaseURL)
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialer{
		base:        base,
		token:       cfg.Token,
		client:      client,
		logger:      logger.Named("gateway"),
		defaultWait: max(int(cfg.RateLimitWait/time.Second), 1),
	}, nil
}

// Dial prepares a session; nothing is sent until Connect.
func (d *Dialer) Dial(_ context.Context, identityID string, credentials []byte) (crawler.Session, error) {
	if identityID == "" {
		return nil, fmt.Errorf("identity id is required")
	}
	return &Session{dialer: d, identityID: identityID, credentials: credentials}, nil
}

type apiError struct {
	Error   string `json:"error"`
	Seconds int    `json:"seconds"`
	Channel string `json:"channel"`
}

// do sends one request and decodes a 2xx body into out when out is non-nil.
func (d *Dialer) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, d.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", crawler.ErrTransientNetwork, method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: read %s %s: %v", crawler.ErrTransientNetwork, method, path, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
		return nil
	}
	return classify(resp, raw, d.defaultWait)
}

// classify maps a non-2xx response onto the crawler error taxonomy.
// defaultWait is the rate limit pause in seconds when the response names none.
func classify(resp *http.Response, raw []byte, defaultWait int) error {
	var apiErr apiError
	_ = json.Unmarshal(raw, &apiErr)
	code := strings.ToUpper(apiErr.Error)

	switch {
	case resp.StatusCode == 420 || resp.StatusCode == http.StatusTooManyRequests || code == "FLOOD_WAIT":
		seconds := apiErr.Seconds
		if seconds <= 0 {
			seconds, _ = strconv.Atoi(resp.Header.Get("Retry-After"))
		}
		if seconds <= 0 {
			seconds = defaultWait
		}
		return &crawler.RateLimitedError{Seconds: seconds}
	case isBanCode(code):
		return &crawler.BannedError{Reason: code, Channel: apiErr.Channel}
	case resp.StatusCode == http.StatusUnauthorized:
		return crawler.ErrNotAuthorized
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d %s", crawler.ErrTransientNetwork, resp.StatusCode, code)
	default:
		if code == "" {
			code = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("gateway: status %d: %s", resp.StatusCode, code)
	}
}

func isBanCode(code string) bool {
	_, ok := banCodes[code]
	return ok
}

var errNoSession = errors.New("gateway session not connected")
