// Package httpfetch renders captures without a browser using gocolly. It
// produces HTML and WARC only; screenshot and PDF are reported as failed kinds.
package httpfetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/parker/internal/archive"
	"github.com/JakeFAU/parker/internal/extract"
	"github.com/JakeFAU/parker/internal/render"
	"github.com/JakeFAU/parker/internal/warc"
)

// ErrUnsupportedKind is recorded for kinds that need a browser.
var ErrUnsupportedKind = errors.New("kind requires a browser renderer")

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	MaxParallel int
	DomainQPS   float64
}

// Fetcher implements archive.Renderer using the Colly collector.
type Fetcher struct {
	cfg       Config
	logger    *zap.Logger
	transport http.RoundTripper
	slots     render.Slots
	limiter   *render.DomainLimiter
}

var _ archive.Renderer = (*Fetcher)(nil)

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:       cfg,
		logger:    logger,
		transport: newHTTPTransport(),
		slots:     render.NewSlots(cfg.MaxParallel),
		limiter:   render.NewDomainLimiter(cfg.DomainQPS),
	}
}

// Render performs one GET and builds the requested kinds from the response body.
func (f *Fetcher) Render(ctx context.Context, req archive.RenderRequest) (*archive.RenderResult, error) {
	release, err := f.slots.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	if err := f.limiter.Wait(ctx, req.URL); err != nil {
		return nil, fmt.Errorf("render rate limit: %w", err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu       sync.Mutex
		resp     *colly.Response
		fetchErr error
		sentHdr  http.Header
	)
	collector := f.newCollector(timeout)
	if len(req.Cookies) > 0 {
		if err := collector.SetCookies(req.URL, toHTTPCookies(req.Cookies)); err != nil {
			return nil, archive.NewRenderError(archive.RenderNavigation, fmt.Errorf("set cookies: %w", err))
		}
	}
	collector.OnRequest(func(r *colly.Request) {
		for k, v := range req.Headers {
			r.Headers.Set(k, v)
		}
		mu.Lock()
		sentHdr = r.Headers.Clone()
		mu.Unlock()
	})
	collector.OnResponse(func(r *colly.Response) {
		mu.Lock()
		resp = r
		mu.Unlock()
	})
	collector.OnError(func(_ *colly.Response, err error) {
		mu.Lock()
		fetchErr = err
		mu.Unlock()
	})

	req.Announce(archive.PhaseNavigating)
	done := make(chan error, 1)
	go func() { done <- collector.Visit(req.URL) }()
	select {
	case <-taskCtx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("render canceled: %w", ctx.Err())
		}
		return nil, archive.NewRenderError(archive.RenderTimeout, taskCtx.Err())
	case err := <-done:
		mu.Lock()
		if err == nil {
			err = fetchErr
		}
		mu.Unlock()
		if err != nil {
			return nil, archive.NewRenderError(failureKind(taskCtx, err), err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if resp == nil {
		return nil, archive.NewRenderError(archive.RenderNavigation, errors.New("no response"))
	}
	finalURL := resp.Request.URL.String()
	result := &archive.RenderResult{HTTPStatus: resp.StatusCode, FinalURL: finalURL}
	body := append([]byte(nil), resp.Body...)
	if page, err := extract.Parse(body, finalURL); err == nil {
		result.Links = page.Links
	}
	var respHeader http.Header
	if resp.Headers != nil {
		respHeader = resp.Headers.Clone()
	}

	for _, kind := range req.Kinds {
		req.Announce(archive.CapturingPhase(kind))
		switch kind {
		case archive.KindHTML:
			result.HTML = body
		case archive.KindWARC:
			payload, err := warc.Build(warc.Exchange{
				URL:            finalURL,
				RequestHeader:  sentHdr,
				StatusCode:     resp.StatusCode,
				ResponseHeader: respHeader,
				Body:           body,
				Software:       "parker",
			})
			if err != nil {
				result.Fail(kind, err)
				continue
			}
			result.WARC = payload
		default:
			result.Fail(kind, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind))
		}
	}
	return result, nil
}

func failureKind(ctx context.Context, err error) archive.RenderFailure {
	var netErr net.Error
	if ctx.Err() != nil || (errors.As(err, &netErr) && netErr.Timeout()) {
		return archive.RenderTimeout
	}
	return archive.RenderNavigation
}

// newCollector returns a fresh collector so cookie jars never leak between captures.
func (f *Fetcher) newCollector(timeout time.Duration) *colly.Collector {
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(f.transport)
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = true
	if f.cfg.UserAgent != "" {
		c.UserAgent = f.cfg.UserAgent
	}
	c.SetRequestTimeout(timeout)
	return c
}

func toHTTPCookies(cookies []archive.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path})
	}
	return out
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
