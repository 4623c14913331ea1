// Package browser renders captures in headless Chrome via chromedp.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/parker/internal/archive"
	"github.com/JakeFAU/parker/internal/render"
	"github.com/JakeFAU/parker/internal/warc"
)

// Config controls the headless renderer.
type Config struct {
	UserAgent      string
	MaxParallel    int
	DomainQPS      float64
	ScrollSteps    int
	ScrollDistance int
	ScrollPause    time.Duration
	ViewportWidth  int
	ViewportHeight int
	// ExecPath overrides the Chrome binary lookup.
	ExecPath string
}

const (
	defaultTimeout        = 90 * time.Second
	defaultScrollSteps    = 8
	defaultScrollDistance = 2400
	defaultScrollPause    = 400 * time.Millisecond
	defaultViewportWidth  = 1366
	defaultViewportHeight = 900
)

// Renderer implements archive.Renderer with one shared browser and a tab per capture.
type Renderer struct {
	cfg             Config
	logger          *zap.Logger
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	slots           render.Slots
	limiter         *render.DomainLimiter
}

var _ archive.Renderer = (*Renderer)(nil)

// New starts a headless browser. It fails when Chrome cannot be launched.
func New(cfg Config, logger *zap.Logger) (*Renderer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ScrollSteps < 0 {
		return nil, fmt.Errorf("scroll steps must be >= 0")
	}
	if cfg.ScrollSteps == 0 {
		cfg.ScrollSteps = defaultScrollSteps
	}
	if cfg.ScrollDistance <= 0 {
		cfg.ScrollDistance = defaultScrollDistance
	}
	if cfg.ScrollPause <= 0 {
		cfg.ScrollPause = defaultScrollPause
	}
	if cfg.ViewportWidth <= 0 {
		cfg.ViewportWidth = defaultViewportWidth
	}
	if cfg.ViewportHeight <= 0 {
		cfg.ViewportHeight = defaultViewportHeight
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	return &Renderer{
		cfg:             cfg,
		logger:          logger,
		allocatorCancel: allocatorCancel,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		slots:           render.NewSlots(cfg.MaxParallel),
		limiter:         render.NewDomainLimiter(cfg.DomainQPS),
	}, nil
}

// Close tears down the browser and allocator.
func (r *Renderer) Close() error {
	if r == nil {
		return nil
	}
	r.browserCancel()
	r.allocatorCancel()
	return nil
}

// Render loads req.URL in a new tab, scrolls to trigger lazy content and
// produces every requested kind. A navigation failure or an expired deadline
// fails the whole render; a single kind that cannot be produced is recorded
// in the result's Failures.
func (r *Renderer) Render(ctx context.Context, req archive.RenderRequest) (*archive.RenderResult, error) {
	release, err := r.slots.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := r.limiter.Wait(ctx, req.URL); err != nil {
		return nil, fmt.Errorf("render rate limit: %w", err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	tabCtx, cancelTab := chromedp.NewContext(r.browserCtx)
	defer cancelTab()
	taskCtx, cancelTask := context.WithTimeout(tabCtx, timeout)
	defer cancelTask()
	stopForward := render.ForwardCancel(ctx, cancelTask)
	defer stopForward()

	meta := &responseMeta{headers: http.Header{}}
	chromedp.ListenTarget(tabCtx, meta.observe)

	req.Announce(archive.PhaseNavigating)
	if err := chromedp.Run(taskCtx, r.navigate(req)); err != nil {
		return nil, r.failure(ctx, taskCtx, archive.RenderNavigation, err)
	}

	req.Announce(archive.PhaseScrolling)
	if err := chromedp.Run(taskCtx, r.autoScroll()); err != nil {
		if taskCtx.Err() != nil {
			return nil, r.failure(ctx, taskCtx, archive.RenderNavigation, err)
		}
		r.logger.Debug("auto-scroll failed", zap.String("url", req.URL), zap.Error(err))
	}

	status, headers, finalURL := meta.snapshot(req.URL)
	result := &archive.RenderResult{HTTPStatus: status, FinalURL: finalURL}

	var (
		html     string
		htmlErr  error
		htmlDone bool
	)
	captureHTML := func() error {
		if !htmlDone {
			htmlDone = true
			htmlErr = chromedp.Run(taskCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
		}
		return htmlErr
	}

	for _, kind := range req.Kinds {
		req.Announce(archive.CapturingPhase(kind))
		var kindErr error
		switch kind {
		case archive.KindHTML:
			if kindErr = captureHTML(); kindErr == nil {
				result.HTML = []byte(html)
			}
		case archive.KindScreenshot:
			var buf []byte
			kindErr = chromedp.Run(taskCtx, chromedp.FullScreenshot(&buf, 100))
			result.Screenshot = buf
		case archive.KindPDF:
			kindErr = chromedp.Run(taskCtx, chromedp.ActionFunc(func(ctx context.Context) error {
				buf, _, err := page.PrintToPDF().WithPrintBackground(true).Do(ctx)
				result.PDF = buf
				return err
			}))
		case archive.KindWARC:
			if kindErr = captureHTML(); kindErr == nil {
				result.WARC, kindErr = warc.Build(warc.Exchange{
					URL:            finalURL,
					RequestHeader:  requestHeader(req, r.cfg.UserAgent),
					StatusCode:     status,
					ResponseHeader: headers,
					Body:           []byte(html),
					Software:       "parker",
				})
			}
		default:
			kindErr = fmt.Errorf("unsupported kind %q", kind)
		}
		if kindErr != nil {
			if taskCtx.Err() != nil {
				return nil, r.failure(ctx, taskCtx, archive.RenderTimeout, kindErr)
			}
			r.logger.Debug("capture kind failed",
				zap.String("url", req.URL),
				zap.String("kind", string(kind)),
				zap.Error(kindErr),
			)
			result.Fail(kind, kindErr)
		}
	}
	return result, nil
}

func (r *Renderer) navigate(req archive.RenderRequest) chromedp.Tasks {
	return chromedp.Tasks{
		network.Enable(),
		emulation.SetDeviceMetricsOverride(int64(r.cfg.ViewportWidth), int64(r.cfg.ViewportHeight), 1, false),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if r.cfg.UserAgent != "" {
				if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
					return fmt.Errorf("set user-agent: %w", err)
				}
			}
			if len(req.Headers) > 0 {
				headers := network.Headers{}
				for k, v := range req.Headers {
					headers[k] = v
				}
				if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
					return fmt.Errorf("set extra headers: %w", err)
				}
			}
			return setCookies(ctx, req.URL, req.Cookies)
		}),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
}

func (r *Renderer) autoScroll() chromedp.Tasks {
	tasks := chromedp.Tasks{}
	x := float64(r.cfg.ViewportWidth) / 2
	y := float64(r.cfg.ViewportHeight) / 2
	for range r.cfg.ScrollSteps {
		tasks = append(tasks,
			chromedp.ActionFunc(func(ctx context.Context) error {
				return input.DispatchMouseEvent(input.MouseWheel, x, y).
					WithDeltaX(0).
					WithDeltaY(float64(r.cfg.ScrollDistance)).
					Do(ctx)
			}),
			chromedp.Sleep(r.cfg.ScrollPause),
		)
	}
	return tasks
}

// failure maps a chromedp error onto a RenderError. Parent cancellation is
// returned unwrapped so callers can tell shutdown from a failed page.
func (r *Renderer) failure(parent, task context.Context, kind archive.RenderFailure, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("render canceled: %w", parent.Err())
	}
	switch {
	case errors.Is(task.Err(), context.DeadlineExceeded):
		return archive.NewRenderError(archive.RenderTimeout, fmt.Errorf("%w: %w", context.DeadlineExceeded, err))
	case task.Err() != nil:
		return archive.NewRenderError(archive.RenderCrash, err)
	default:
		return archive.NewRenderError(kind, err)
	}
}

func setCookies(ctx context.Context, rawURL string, cookies []archive.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Hostname()
	}
	for _, c := range cookies {
		domain := c.Domain
		if domain == "" {
			domain = host
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		if err := network.SetCookie(c.Name, c.Value).WithDomain(domain).WithPath(path).Do(ctx); err != nil {
			return fmt.Errorf("set cookie %q: %w", c.Name, err)
		}
	}
	return nil
}

func requestHeader(req archive.RenderRequest, userAgent string) http.Header {
	h := http.Header{}
	for k, v := range req.Headers {
		h.Set(k, v)
	}
	if userAgent != "" && h.Get("User-Agent") == "" {
		h.Set("User-Agent", userAgent)
	}
	return h
}

type responseMeta struct {
	mu      sync.Mutex
	seen    bool
	status  int
	headers http.Header
	url     string
}

func (m *responseMeta) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen {
		return
	}
	m.seen = true
	m.status = int(resp.Response.Status)
	m.url = resp.Response.URL
	for k, v := range resp.Response.Headers {
		m.headers.Add(k, fmt.Sprint(v))
	}
}

func (m *responseMeta) snapshot(requestURL string) (int, http.Header, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := m.status
	if status == 0 {
		status = http.StatusOK
	}
	u := m.url
	if u == "" {
		u = requestURL
	}
	return status, m.headers.Clone(), u
}
