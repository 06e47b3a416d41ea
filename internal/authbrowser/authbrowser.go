// Package authbrowser signs in to the Client Portal Gateway through a real
// Chrome window so the user can complete 2FA, then hands the gateway's
// session cookies back to the API client.
package authbrowser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

type Options struct {
	BaseURL     string        // e.g. https://localhost:5000
	Paper       bool          // paper account login page
	Headless    bool          // false shows the window for 2FA
	Wait        time.Duration // overall timeout, default 8m
	UserDataDir string        // optional Chrome profile dir; empty => temp
	Logger      *slog.Logger  // chromedp logs go here when set
}

// ErrNotAuthenticated is returned when the page flow never reports an
// authenticated brokerage session before the deadline.
var ErrNotAuthenticated = errors.New("browser flow did not reach authenticated:true (finish 2FA or raise --wait)")

// Login opens the gateway SSO page, nudges the session through
// validate/reauthenticate from inside the page and returns the cookies the
// browser holds for the gateway.
func Login(ctx context.Context, opts Options) ([]*http.Cookie, error) {
	if _, err := url.Parse(opts.BaseURL); err != nil || opts.BaseURL == "" {
		return nil, fmt.Errorf("bad base url %q", opts.BaseURL)
	}
	wait := opts.Wait
	if wait <= 0 {
		wait = 8 * time.Minute
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("allow-insecure-localhost", true),
		chromedp.Flag("ignore-certificate-errors", true),
		chromedp.Flag("disable-features", "BlockInsecurePrivateNetworkRequests"),
	)
	if opts.UserDataDir != "" {
		allocOpts = append(allocOpts, chromedp.UserDataDir(opts.UserDataDir))
	}
	actx, acancel := chromedp.NewExecAllocator(ctx, allocOpts...)
	defer acancel()

	var ctxOpts []chromedp.ContextOption
	if l := opts.Logger; l != nil {
		ctxOpts = append(ctxOpts,
			chromedp.WithLogf(func(f string, a ...any) { l.Debug(fmt.Sprintf(f, a...)) }),
			chromedp.WithErrorf(func(f string, a ...any) { l.Warn(fmt.Sprintf(f, a...)) }),
		)
	}
	cctx, cancel := chromedp.NewContext(actx, ctxOpts...)
	defer cancel()
	cctx, timeoutCancel := context.WithTimeout(cctx, wait)
	defer timeoutCancel()

	// network domain is needed to read HttpOnly cookies
	if err := chromedp.Run(cctx, network.Enable(), chromedp.Navigate(LoginURL(opts.BaseURL, opts.Paper))); err != nil {
		return nil, fmt.Errorf("open login page: %w", err)
	}

	script := authFlowJS(opts.BaseURL)
	for {
		var status string
		if err := chromedp.Run(cctx, chromedp.Evaluate(script, &status, awaitPromise)); err != nil {
			if cctx.Err() != nil {
				return nil, ErrNotAuthenticated
			}
			if opts.Logger != nil {
				opts.Logger.Debug("auth flow", slog.Any("err", err))
			}
		}
		if strings.Contains(status, `"authenticated":true`) {
			break
		}
		select {
		case <-cctx.Done():
			return nil, ErrNotAuthenticated
		case <-time.After(5 * time.Second):
		}
	}

	var cks []*network.Cookie
	err := chromedp.Run(cctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cks, err = network.GetCookies().WithURLs([]string{opts.BaseURL}).Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	out := ToHTTPCookies(cks)
	if len(out) == 0 {
		return nil, errors.New("gateway set no cookies")
	}
	return out, nil
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

// LoginURL is the gateway SSO page; RL=2 selects the paper login.
func LoginURL(base string, paper bool) string {
	rl := 1
	if paper {
		rl = 2
	}
	return fmt.Sprintf("%s/sso/Login?forwardTo=22&RL=%d&ip2loc=on", strings.TrimRight(base, "/"), rl)
}

// ToHTTPCookies converts DevTools cookies. Session cookies (no expiry) are
// kept; the gateway relies on them.
func ToHTTPCookies(cks []*network.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(cks))
	for _, ck := range cks {
		if ck == nil || ck.Name == "" {
			continue
		}
		hc := &http.Cookie{
			Name:     ck.Name,
			Value:    ck.Value,
			Path:     ck.Path,
			Domain:   ck.Domain,
			Secure:   ck.Secure,
			HttpOnly: ck.HTTPOnly,
		}
		if ck.Expires > 0 {
			hc.Expires = time.Unix(int64(ck.Expires), 0).UTC()
		}
		out = append(out, hc)
	}
	return out
}

// authFlowJS returns an async page script that tickles, validates and
// reauthenticates, then polls auth status. It resolves to the status body
// once authenticated, or "" after roughly 36s.
func authFlowJS(base string) string {
	base = strings.TrimRight(base, "/")
	return fmt.Sprintf(`(async () => {
  const sleep = (ms) => new Promise(r => setTimeout(r, ms));
  const check = async (u) => {
    try {
      const r = await fetch(u, { credentials: 'include' });
      if (!r.ok) return '';
      const t = await r.text();
      const j = JSON.parse(t);
      return j && j.authenticated === true ? JSON.stringify(j) : '';
    } catch (_) { return ''; }
  };
  try { await fetch(%q, { method: 'POST', credentials: 'include' }); } catch (_) {}
  try { await fetch(%q, { credentials: 'include' }); } catch (_) {}
  try { await fetch(%q, { method: 'POST', credentials: 'include' }); } catch (_) {}
  for (let i = 0; i < 24; i++) {
    const t = await check(%q);
    if (t) return t;
    await sleep(1500);
  }
  return '';
})()`,
		base+"/v1/api/tickle",
		base+"/v1/portal/sso/validate",
		base+"/v1/api/iserver/reauthenticate?force=true",
		base+"/v1/api/iserver/auth/status",
	)
}
