package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/apod-cache/internal/apperr"
	"github.com/sells-group/apod-cache/internal/resilience"
)

// transferRequest asks a transport for a resource, optionally from Offset.
type transferRequest struct {
	URL       string
	Offset    int64
	Validator string
}

// transferResponse is an open body. Offset is where Body starts within the
// resource and Total is the full resource size or UnknownLength.
type transferResponse struct {
	Body      io.ReadCloser
	Offset    int64
	Total     int64
	Validator string
	Resumable bool
}

type transport interface {
	open(ctx context.Context, req transferRequest) (*transferResponse, error)
}

// AdaptiveLimiter wraps a rate.Limiter for one host. A 429 halves the rate
// (down to a quarter of the initial rate); successes raise it by 20% up to
// twice the initial rate.
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	initialRate rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates a limiter starting at initialRate.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		initialRate: initialRate,
		currentRate: initialRate,
	}
}

// Wait blocks until a request may be sent.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess raises the rate.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setLocked(min(a.currentRate*1.2, a.initialRate*2))
}

// OnRateLimit halves the rate after a 429.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setLocked(max(a.currentRate*0.5, a.initialRate/4))
	zap.L().Warn("transfer: rate limited, reducing request rate",
		zap.Float64("new_rate", float64(a.currentRate)),
	)
}

// Limit returns the current rate.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

func (a *AdaptiveLimiter) setLocked(r rate.Limit) {
	a.currentRate = r
	a.limiter.SetLimit(r)
}

// httpTransport performs GETs with Range/If-Range support.
type httpTransport struct {
	client    *http.Client
	userAgent string
	rate      rate.Limit

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

func newHTTPTransport(client *http.Client, userAgent string, perHost rate.Limit, headerTimeout time.Duration) *httpTransport {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConnsPerHost:   4,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: headerTimeout,
			},
		}
	}
	return &httpTransport{
		client:    client,
		userAgent: userAgent,
		rate:      perHost,
		limiters:  make(map[string]*AdaptiveLimiter),
	}
}

func (h *httpTransport) limiterFor(host string) *AdaptiveLimiter {
	if h.rate <= 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	lim, ok := h.limiters[host]
	if !ok {
		lim = NewAdaptiveLimiter(h.rate, max(1, int(h.rate)))
		h.limiters[host] = lim
	}
	return lim
}

func (h *httpTransport) open(ctx context.Context, tr transferRequest) (*transferResponse, error) {
	u, err := url.Parse(tr.URL)
	if err != nil {
		return nil, apperr.Network("http: open", eris.Wrap(err, "parse url"))
	}

	lim := h.limiterFor(u.Host)
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, apperr.Network("http: open", eris.Wrap(err, "rate limiter wait"))
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tr.URL, nil)
	if err != nil {
		return nil, apperr.Network("http: open", eris.Wrap(err, "create request"))
	}
	req.Header.Set("User-Agent", h.userAgent)
	if tr.Offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", tr.Offset))
		if tr.Validator != "" {
			req.Header.Set("If-Range", tr.Validator)
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, apperr.Network("http: open", eris.Wrapf(err, "get %s", tr.URL))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		_ = resp.Body.Close()
		if lim != nil {
			lim.OnRateLimit()
		}
		return nil, statusError(tr.URL, resp.StatusCode)

	case resp.StatusCode == http.StatusPartialContent && tr.Offset > 0:
		start, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != tr.Offset {
			_ = resp.Body.Close()
			return nil, apperr.Network("http: open", eris.Errorf("bad content-range %q for offset %d",
				resp.Header.Get("Content-Range"), tr.Offset))
		}
		onSuccess(lim)
		return &transferResponse{
			Body:      resp.Body,
			Offset:    start,
			Total:     total,
			Validator: validatorOf(resp.Header, tr.Validator),
			Resumable: true,
		}, nil

	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && tr.Offset > 0:
		// The partial file may already hold the whole resource.
		_, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		_ = resp.Body.Close()
		if ok && total == tr.Offset {
			onSuccess(lim)
			return &transferResponse{
				Body:      io.NopCloser(strings.NewReader("")),
				Offset:    tr.Offset,
				Total:     total,
				Validator: tr.Validator,
				Resumable: true,
			}, nil
		}
		return nil, statusError(tr.URL, resp.StatusCode)

	case resp.StatusCode == http.StatusOK:
		onSuccess(lim)
		total := resp.ContentLength
		if total < 0 {
			total = UnknownLength
		}
		return &transferResponse{
			Body:      resp.Body,
			Offset:    0,
			Total:     total,
			Validator: validatorOf(resp.Header, ""),
			Resumable: strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"),
		}, nil

	default:
		_ = resp.Body.Close()
		return nil, statusError(tr.URL, resp.StatusCode)
	}
}

func onSuccess(lim *AdaptiveLimiter) {
	if lim != nil {
		lim.OnSuccess()
	}
}

func statusError(rawURL string, status int) error {
	err := eris.Errorf("unexpected status %d from %s", status, rawURL)
	if resilience.IsTransientHTTPStatus(status) {
		return apperr.Network("http: open", resilience.NewTransientError(err, status))
	}
	return apperr.Network("http: open", err)
}

// validatorOf picks the If-Range validator: a strong ETag, else
// Last-Modified, else the previous validator.
func validatorOf(h http.Header, previous string) string {
	if etag := h.Get("ETag"); etag != "" && !strings.HasPrefix(etag, "W/") {
		return etag
	}
	if lm := h.Get("Last-Modified"); lm != "" {
		return lm
	}
	return previous
}

// parseContentRange parses "bytes start-end/total" and "bytes */total".
// total is UnknownLength for "*".
func parseContentRange(v string) (start, total int64, ok bool) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "bytes ") {
		return 0, 0, false
	}
	rng, size, found := strings.Cut(strings.TrimPrefix(v, "bytes "), "/")
	if !found {
		return 0, 0, false
	}

	total = UnknownLength
	if size != "*" {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil || n < 0 {
			return 0, 0, false
		}
		total = n
	}

	if rng == "*" {
		return 0, total, true
	}
	first, _, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false
	}
	return start, total, true
}
