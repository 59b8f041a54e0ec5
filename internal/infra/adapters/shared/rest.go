// Package shared hosts transport helpers reused by the price source adapters.
package shared

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/pricefeed/errs"
)

const (
	defaultRequestTimeout = 10 * time.Second
	maxResponseBody       = 1 << 20
	errorBodyLimit        = 4 << 10
)

// RESTConfig configures a rate limited JSON client for one source.
type RESTConfig struct {
	Source  string
	Client  *http.Client
	Timeout time.Duration
	// RequestsPerSecond bounds outbound requests; zero disables client side limiting.
	RequestsPerSecond float64
	Burst             int
	Headers           map[string]string
	Now               func() time.Time
}

// RESTClient issues GET requests and classifies failures into the error taxonomy.
type RESTClient struct {
	source  string
	client  *http.Client
	timeout time.Duration
	limiter *rate.Limiter
	headers map[string]string
	now     func() time.Time
}

// NewRESTClient constructs a client from cfg.
func NewRESTClient(cfg RESTConfig) *RESTClient {
	c := &RESTClient{
		source:  cfg.Source,
		client:  cfg.Client,
		timeout: cfg.Timeout,
		headers: make(map[string]string, len(cfg.Headers)),
		now:     cfg.Now,
	}
	if c.client == nil {
		c.client = &http.Client{}
	}
	if c.timeout <= 0 {
		c.timeout = defaultRequestTimeout
	}
	if c.now == nil {
		c.now = time.Now
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for k, v := range cfg.Headers {
		if strings.TrimSpace(v) != "" {
			c.headers[k] = v
		}
	}
	return c
}

// GetJSON fetches endpoint and decodes the body into out with numbers preserved as
// json.Number. The returned error is always an *errs.E.
func (c *RESTClient) GetJSON(ctx context.Context, endpoint string, out any) error {
	requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(requestCtx); err != nil {
			return errs.New(c.source, errs.CodeUpstreamUnavailable,
				errs.WithMessage("client rate limiter wait"), errs.WithCause(err))
		}
	}

	req, err := http.NewRequestWithContext(requestCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errs.New(c.source, errs.CodeUpstreamUnavailable,
			errs.WithMessage("create request"), errs.WithCause(err))
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errs.New(c.source, errs.CodeUpstreamUnavailable,
			errs.WithMessage("request failed"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return c.statusError(resp, body)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return errs.New(c.source, errs.CodeUpstreamUnavailable,
			errs.WithMessage("read body"), errs.WithCause(err))
	}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return errs.New(c.source, errs.CodeMalformedResponse,
			errs.WithMessage("decode body"), errs.WithRawMessage(string(body)), errs.WithCause(err))
	}
	return nil
}

func (c *RESTClient) statusError(resp *http.Response, body []byte) *errs.E {
	raw := strings.TrimSpace(string(body))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return errs.New(c.source, errs.CodeRateLimited,
			errs.WithHTTP(resp.StatusCode),
			errs.WithRetryAfter(ParseRetryAfter(resp.Header.Get("Retry-After"), c.now())),
			errs.WithRawMessage(raw))
	default:
		return errs.New(c.source, errs.CodeUpstreamUnavailable,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage(fmt.Sprintf("unexpected status %d", resp.StatusCode)),
			errs.WithRawMessage(raw))
	}
}

// MaxRetryAfter bounds any provider-supplied retry-after.
const MaxRetryAfter = time.Hour

// ParseRetryAfter understands both delay-seconds and HTTP-date forms. Results are capped
// at MaxRetryAfter.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil || errors.Is(err, strconv.ErrRange) {
		switch {
		case secs <= 0:
			return 0
		case secs >= int64(MaxRetryAfter/time.Second):
			return MaxRetryAfter
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return min(d, MaxRetryAfter)
		}
	}
	return 0
}

// Malformed builds a malformed-response error carrying a payload excerpt.
func Malformed(source, message string, raw []byte, cause error) *errs.E {
	return errs.New(source, errs.CodeMalformedResponse,
		errs.WithMessage(message), errs.WithRawMessage(string(raw)), errs.WithCause(cause))
}
