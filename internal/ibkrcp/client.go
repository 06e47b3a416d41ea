package ibkrcp

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// StatusError is a non-2xx gateway answer.
type StatusError struct {
	Path string
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("%s status %d", e.Path, e.Code) }

// ErrNotAuthenticated means the gateway is up but nobody has signed in.
var ErrNotAuthenticated = errors.New("not authenticated in Client Portal Gateway. Open the Gateway UI and sign in, then retry")

type Client struct {
	baseURL string
	jar     *cookiejar.Jar
	httpc   *http.Client
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker

	mu     sync.Mutex
	acctID string

	sessionPath string
}

func NewClient(baseURL, sessionStorePath string, logger *slog.Logger) *Client {
	jar, _ := cookiejar.New(nil)
	// CP Gateway on 127.0.0.1: self-signed cert; allow insecure for local dev
	tr := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // #nosec G402 local gateway
	}
	httpc := &http.Client{Jar: jar, Transport: tr, Timeout: 15 * time.Second}
	c := &Client{
		baseURL:     baseURL,
		jar:         jar,
		httpc:       httpc,
		logger:      logger,
		sessionPath: sessionStorePath,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "ibkr-gateway",
		Interval: 60 * time.Second,
		Timeout:  15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		// Only transport failures and 5xx trip the breaker; 4xx is the
		// caller's problem, not the gateway's health.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Code < 500
			}
			return err == nil || errors.Is(err, ErrNotAuthenticated)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("gateway breaker", slog.String("from", from.String()), slog.String("to", to.String()))
		},
	})
	return c
}

func (c *Client) loadSession() {
	b, err := os.ReadFile(c.sessionPath)
	if err != nil {
		return
	}
	var dump cookieDump
	if err := json.Unmarshal(b, &dump); err != nil {
		return
	}
	u, _ := url.Parse(c.baseURL)
	c.jar.SetCookies(u, dump.Cookies)
}

func (c *Client) saveSession() {
	u, _ := url.Parse(c.baseURL)
	cks := c.jar.Cookies(u)
	b, _ := json.MarshalIndent(cookieDump{Cookies: cks}, "", "  ")
	_ = os.MkdirAll(filepath.Dir(c.sessionPath), fs.ModePerm)
	_ = os.WriteFile(c.sessionPath, b, 0o600)
}

// ImportCookies stores cookies obtained elsewhere (the browser login) as the
// current session so a following Connect picks them up.
func (c *Client) ImportCookies(cks []*http.Cookie) {
	u, _ := url.Parse(c.baseURL)
	c.jar.SetCookies(u, cks)
	c.saveSession()
}

type cookieDump struct {
	Cookies []*http.Cookie `json:"cookies"`
}

func (c *Client) url(p string) string {
	return fmt.Sprintf("%s%s", c.baseURL, p)
}

// do runs one request through the breaker and decodes a 200 body into out.
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.url(path), nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpc.Do(req)
		if err != nil {
			return nil, fmt.Errorf("gateway unreachable: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil, &StatusError{Path: path, Code: resp.StatusCode}
		}
		if out == nil {
			return nil, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return nil, nil
	})
	return err
}

// Connect loads any stored session, verifies the gateway reports an
// authenticated brokerage session and persists the cookies on success.
func (c *Client) Connect(ctx context.Context) error {
	c.loadSession()

	var v struct {
		Authenticated bool `json:"authenticated"`
		Connected     bool `json:"connected"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/api/iserver/auth/status", &v); err != nil {
		return err
	}
	if !v.Authenticated {
		return ErrNotAuthenticated
	}

	c.saveSession()
	return nil
}

// Tickle keeps the gateway session alive and returns the session id the
// WebSocket expects as its first message.
func (c *Client) Tickle(ctx context.Context) (string, error) {
	var v struct {
		Session string `json:"session"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/api/tickle", &v); err != nil {
		return "", err
	}
	return v.Session, nil
}

// GetAccountID fetches and caches the first available accountId from the
// Client Portal Gateway. Book-depth topics on newer builds require it.
func (c *Client) GetAccountID(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.acctID
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}
	var results []struct {
		AccountID string `json:"accountId"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/api/portfolio/accounts", &results); err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", errors.New("no accounts found")
	}
	if results[0].AccountID == "" {
		return "", errors.New("invalid accountId")
	}
	c.mu.Lock()
	c.acctID = results[0].AccountID
	c.mu.Unlock()
	return results[0].AccountID, nil
}

// Minimal secdef search to map symbol→conid (STK). Picks the first STK result.
func (c *Client) ConidForSymbol(ctx context.Context, symbol string) (int64, error) {
	var results []struct {
		Conid   json.Number `json:"conid"`
		SecType string      `json:"secType"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/api/iserver/secdef/search?symbol="+url.QueryEscape(symbol), &results); err != nil {
		return 0, err
	}
	for _, r := range results {
		if r.SecType == "STK" {
			id, err := r.Conid.Int64()
			if err != nil {
				return 0, fmt.Errorf("conid %q: %w", r.Conid, err)
			}
			return id, nil
		}
	}
	return 0, fmt.Errorf("no STK contract found for %s", symbol)
}

func (c *Client) BreakerState() gobreaker.State { return c.breaker.State() }
func (c *Client) BaseURL() string               { return c.baseURL }
