// Package headless fetches targets through a headless Chrome so script-rendered
// pages produce their final DOM as the payload.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/fetch-orchestrator/internal/fetch"
)

const defaultNavigationTimeout = 45 * time.Second

// Config controls the behavior of the headless fetcher.
type Config struct {
	// MaxParallel caps concurrent browser tabs; zero means unbounded.
	MaxParallel int
	UserAgent   string
	Headers     http.Header
}

// Fetcher implements fetch.Fetcher using chromedp.
type Fetcher struct {
	cfg         Config
	tabs        chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc

	startOnce     sync.Once
	browserCtx    context.Context
	browserCancel context.CancelFunc
	startErr      error

	closeOnce sync.Once
}

// New prepares a Chrome allocator. The browser process is launched on the
// first Fetch and shared by every later one; each Fetch gets its own tab.
func New(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("headless max parallel must be >= 0")
	}
	var tabs chan struct{}
	if cfg.MaxParallel > 0 {
		tabs = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		tabs:        tabs,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.closeOnce.Do(func() {
		f.startOnce.Do(func() {})
		if f.browserCancel != nil {
			f.browserCancel()
		}
		f.allocCancel()
	})
}

func (f *Fetcher) browser() (context.Context, error) {
	f.startOnce.Do(func() {
		f.browserCtx, f.browserCancel = chromedp.NewContext(f.allocator)
		if err := chromedp.Run(f.browserCtx); err != nil {
			f.startErr = fmt.Errorf("start browser: %w", err)
		}
	})
	return f.browserCtx, f.startErr
}

// Fetch renders targetURI and returns the outer HTML of the document.
func (f *Fetcher) Fetch(ctx context.Context, targetURI string, timeout time.Duration) (fetch.Response, error) {
	if timeout <= 0 {
		timeout = defaultNavigationTimeout
	}
	if err := f.acquire(ctx); err != nil {
		return fetch.Response{}, err
	}
	defer f.release()

	browserCtx, err := f.browser()
	if err != nil {
		return fetch.Response{}, err
	}
	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	defer tabCancel()
	// The tab hangs off the allocator, not ctx; tie its lifetime to the attempt.
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	tabCtx, cancel := context.WithTimeout(tabCtx, timeout)
	defer cancel()

	meta := &documentMeta{}
	chromedp.ListenTarget(tabCtx, meta.onEvent)

	html, err := f.render(tabCtx, targetURI)
	if err != nil {
		if ctx.Err() != nil {
			return fetch.Response{}, fmt.Errorf("headless fetch canceled: %w", ctx.Err())
		}
		return fetch.Response{}, err
	}

	status, retryAfter := meta.snapshot()
	return fetch.Response{
		Payload:    []byte(html),
		StatusCode: status,
		RetryAfter: retryAfter,
	}, nil
}

func (f *Fetcher) render(ctx context.Context, targetURI string) (string, error) {
	var html string
	actions := []chromedp.Action{
		f.networkSetup(),
		chromedp.Navigate(targetURI),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, nil
}

func (f *Fetcher) networkSetup() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(f.cfg.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(f.cfg.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.tabs == nil {
		return nil
	}
	select {
	case f.tabs <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless tab wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.tabs != nil {
		<-f.tabs
	}
}

// documentMeta records the status and Retry-After of the main document
// response; subresources are ignored.
type documentMeta struct {
	mu         sync.Mutex
	status     int
	retryAfter time.Duration
}

func (m *documentMeta) onEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != 0 {
		// Redirect chains report several documents; keep the first final one.
		return
	}
	m.status = int(resp.Response.Status)
	m.retryAfter = retryAfterSeconds(headerValue(resp.Response.Headers, "Retry-After"))
}

// snapshot defaults to 200 when the browser never surfaced a document event,
// which happens for file:// and about: targets.
func (m *documentMeta) snapshot() (int, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == 0 {
		return http.StatusOK, 0
	}
	return m.status, m.retryAfter
}

func headerValue(headers network.Headers, name string) string {
	for key, value := range headers {
		if !strings.EqualFold(key, name) {
			continue
		}
		switch v := value.(type) {
		case string:
			return v
		case []any:
			if len(v) > 0 {
				return fmt.Sprint(v[0])
			}
		default:
			return fmt.Sprint(v)
		}
	}
	return ""
}

func retryAfterSeconds(value string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = strings.Join(values, ", ")
		}
	}
	return headers
}
