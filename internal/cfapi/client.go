package cfapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/hasnat0006/TLE/internal/metrics"
	"github.com/hasnat0006/TLE/internal/obslog"
)

const defaultBaseURL = "https://codeforces.com/api"

// Client is the thin façade over the contest platform's JSON API.
// It classifies failures into the package error taxonomy and performs
// no retries or caching of its own; it is safe for concurrent use.
type Client struct {
	baseURL string
	http    *fasthttp.Client

	defaultTimeout time.Duration
	userAgent      string
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithMaxConnsPerHost(n int) Option {
	return func(c *Client) { c.http.MaxConnsPerHost = n }
}

func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

func NewClient(baseURL string, opts ...Option) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 8},
		defaultTimeout: 10 * time.Second,
		userAgent:      "tle-duel-bot",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Problems fetches the whole problemset.
func (c *Client) Problems(ctx context.Context) ([]Problem, error) {
	var payload struct {
		Problems []Problem `json:"problems"`
	}
	if err := c.call(ctx, "problemset.problems", nil, &payload); err != nil {
		return nil, err
	}
	return payload.Problems, nil
}

// Contests fetches the contest list, most recent first.
func (c *Client) Contests(ctx context.Context) ([]Contest, error) {
	var contests []Contest
	if err := c.call(ctx, "contest.list", url.Values{"gym": {"false"}}, &contests); err != nil {
		return nil, err
	}
	return contests, nil
}

// UserRating fetches the current and max rating for one handle.
func (c *Client) UserRating(ctx context.Context, handle string) (*RatingSnapshot, error) {
	if strings.TrimSpace(handle) == "" {
		return nil, fmt.Errorf("%w: empty handle", ErrNotFound)
	}
	var users []struct {
		Handle    string `json:"handle"`
		Rating    int    `json:"rating"`
		MaxRating int    `json:"maxRating"`
	}
	params := url.Values{"handles": {handle}}
	if err := c.call(ctx, "user.info", params, &users); err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("%w: handle %q", ErrNotFound, handle)
	}
	u := users[0]
	return &RatingSnapshot{
		Handle:    u.Handle,
		Rating:    u.Rating,
		MaxRating: u.MaxRating,
		FetchedAt: time.Now(),
	}, nil
}

// UserStatus fetches the most recent submissions of a handle. A zero
// contestID means all contests; count caps the result (0 = platform default).
func (c *Client) UserStatus(ctx context.Context, handle string, contestID int, count int) ([]Submission, error) {
	if strings.TrimSpace(handle) == "" {
		return nil, fmt.Errorf("%w: empty handle", ErrNotFound)
	}
	params := url.Values{"handle": {handle}}
	if count > 0 {
		params.Set("from", "1")
		params.Set("count", strconv.Itoa(count))
	}
	method := "user.status"
	if contestID > 0 {
		method = "contest.status"
		params.Set("contestId", strconv.Itoa(contestID))
	}
	var subs []Submission
	if err := c.call(ctx, method, params, &subs); err != nil {
		return nil, err
	}
	return subs, nil
}

// envelope is the platform's uniform response wrapper.
type envelope struct {
	Status  string          `json:"status"`
	Result  json.RawMessage `json:"result"`
	Comment string          `json:"comment"`
}

func (c *Client) call(ctx context.Context, method string, params url.Values, out any) error {
	uri := c.baseURL + "/" + method
	if len(params) > 0 {
		uri += "?" + params.Encode()
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI(uri)
	req.Header.SetUserAgent(c.userAgent)

	if err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx)); err != nil {
		metrics.PlatformCalls.WithLabelValues(method, "unreachable").Inc()
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	status := resp.StatusCode()
	if status == fasthttp.StatusTooManyRequests || status == fasthttp.StatusServiceUnavailable {
		metrics.PlatformCalls.WithLabelValues(method, "rate_limited").Inc()
		return &RateLimitedError{RetryAfter: retryAfter(resp)}
	}
	if status >= 500 {
		metrics.PlatformCalls.WithLabelValues(method, "unreachable").Inc()
		return fmt.Errorf("%w: status %d", ErrUnreachable, status)
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		metrics.PlatformCalls.WithLabelValues(method, "malformed").Inc()
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if env.Status != "OK" {
		metrics.PlatformCalls.WithLabelValues(method, "failed").Inc()
		return classifyComment(method, env.Comment)
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			metrics.PlatformCalls.WithLabelValues(method, "malformed").Inc()
			return fmt.Errorf("%w: decode result: %v", ErrMalformed, err)
		}
	}
	metrics.PlatformCalls.WithLabelValues(method, "ok").Inc()
	return nil
}

// classifyComment maps the platform's FAILED comment string onto the
// typed taxonomy. Unknown comments count as malformed rather than
// transient so callers do not retry them forever.
func classifyComment(method, comment string) error {
	lc := strings.ToLower(comment)
	switch {
	case strings.Contains(lc, "not found"), strings.Contains(lc, "no such"):
		return fmt.Errorf("%w: %s: %s", ErrNotFound, method, comment)
	case strings.Contains(lc, "limit exceeded"), strings.Contains(lc, "too many"):
		return &RateLimitedError{RetryAfter: time.Second}
	default:
		obslog.L().Warn("cf_api_failed_comment",
			zap.String("method", method),
			zap.String("comment", comment),
		)
		return fmt.Errorf("%w: %s: %s", ErrMalformed, method, comment)
	}
}

func retryAfter(resp *fasthttp.Response) time.Duration {
	if v := string(resp.Header.Peek(fasthttp.HeaderRetryAfter)); v != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Second
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}
