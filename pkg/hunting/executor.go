package hunting

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/withObsrvr/hunting-export-pipeline/pkg/auth"
	"github.com/withObsrvr/hunting-export-pipeline/pkg/common/types"
)

var jsonFast = jsoniter.ConfigFastest

// DefaultEndpoint is the advanced hunting query endpoint for the worldwide
// Defender cloud. Other clouds override it in configuration.
const DefaultEndpoint = "https://api.security.microsoft.com/api/advancedhunting/run"

const (
	defaultMaxAttempts = 8
	defaultBackoffBase = 2 * time.Second
	defaultBackoffCap  = 60 * time.Second

	// defaultHTTPTimeout stays well below the endpoint's server-side query
	// execution ceiling (10 minutes) so a hung connection surfaces as a
	// retryable transport error instead of tying up the run.
	defaultHTTPTimeout = 100 * time.Second
)

// queryRequest is the POST body the hunting endpoint accepts.
type queryRequest struct {
	Query string `json:"Query"`
}

// queryResponse is the result envelope. An absent Results key decodes to an
// empty page, matching how the endpoint reports queries with no matches.
type queryResponse struct {
	Results []types.Record `json:"Results"`
}

// transientError is a retryable failure: throttling, a server-side error, or
// a transport-level failure. retryAfter carries the server's hint when the
// response included one.
type transientError struct {
	statusCode int
	retryAfter time.Duration
	cause      error
}

func (e *transientError) Error() string {
	if e.statusCode != 0 {
		return fmt.Sprintf("transient status %d", e.statusCode)
	}
	return fmt.Sprintf("transport error: %v", e.cause)
}

func (e *transientError) Unwrap() error { return e.cause }

// SleepFunc waits for the given duration or until the context is cancelled.
// Injected so retry schedules are testable without real delays.
type SleepFunc func(context.Context, time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// QueryExecutor issues hunting queries and classifies every response into
// exactly one outcome: a page of records, a retried transient failure, or a
// non-retryable *QueryFailure. It keeps no state between calls and is safe
// for concurrent use.
type QueryExecutor struct {
	endpoint    string
	tokens      auth.TokenProvider
	client      *http.Client
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
	sleep       SleepFunc
	limiter     *rate.Limiter
}

// ExecutorOption customizes a QueryExecutor.
type ExecutorOption func(*QueryExecutor)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) ExecutorOption {
	return func(e *QueryExecutor) { e.client = c }
}

// WithMaxAttempts sets the per-query attempt ceiling.
func WithMaxAttempts(n int) ExecutorOption {
	return func(e *QueryExecutor) { e.maxAttempts = n }
}

// WithBackoff sets the starting delay and cap for the exponential schedule
// used when a transient response carries no retry hint.
func WithBackoff(base, cap time.Duration) ExecutorOption {
	return func(e *QueryExecutor) { e.backoffBase, e.backoffCap = base, cap }
}

// WithSleep replaces the wait function used between retry attempts.
func WithSleep(fn SleepFunc) ExecutorOption {
	return func(e *QueryExecutor) { e.sleep = fn }
}

// WithRateLimiter applies a shared request budget. Every attempt waits for a
// token first, so parallel slice drains stay inside one budget.
func WithRateLimiter(l *rate.Limiter) ExecutorOption {
	return func(e *QueryExecutor) { e.limiter = l }
}

// NewQueryExecutor builds an executor for the given endpoint. An empty
// endpoint selects DefaultEndpoint.
func NewQueryExecutor(endpoint string, tokens auth.TokenProvider, opts ...ExecutorOption) *QueryExecutor {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	e := &QueryExecutor{
		endpoint:    endpoint,
		tokens:      tokens,
		client:      &http.Client{Timeout: defaultHTTPTimeout},
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
		backoffCap:  defaultBackoffCap,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one query to completion: it retries throttled and transient
// responses (honoring an integer-seconds Retry-After hint when present,
// otherwise doubling from the configured base up to the cap) and returns the
// decoded page on success. A response outside the retryable classes returns
// *QueryFailure; staying transient past the attempt ceiling returns
// ErrRetriesExhausted wrapping the last failure.
func (e *QueryExecutor) Execute(ctx context.Context, query string) ([]types.Record, error) {
	token, err := e.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	payload, err := jsonFast.Marshal(queryRequest{Query: query})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal query request")
	}

	delay := e.backoffBase
	var last *transientError
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, errors.Wrap(err, "rate limit wait aborted")
			}
		}

		records, err := e.attempt(ctx, payload, token)
		if err == nil {
			return records, nil
		}
		var te *transientError
		if !errors.As(err, &te) {
			return nil, err
		}
		last = te
		if attempt == e.maxAttempts {
			break
		}

		wait := te.retryAfter
		if wait <= 0 {
			wait = delay
			delay *= 2
			if delay > e.backoffCap {
				delay = e.backoffCap
			}
		}
		log.Printf("hunting query attempt %d/%d failed (%v), retrying in %s", attempt, e.maxAttempts, te, wait)
		if err := e.sleep(ctx, wait); err != nil {
			return nil, errors.Wrap(err, "retry wait aborted")
		}
	}

	return nil, fmt.Errorf("%w: %d attempts: %w", ErrRetriesExhausted, e.maxAttempts, last)
}

// attempt issues a single POST of the query and classifies the response.
func (e *QueryExecutor) attempt(ctx context.Context, payload []byte, token string) ([]types.Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &transientError{cause: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &transientError{cause: errors.Wrap(err, "failed to read response body")}
		}
		var envelope queryResponse
		if err := jsonFast.Unmarshal(body, &envelope); err != nil {
			return nil, &QueryFailure{StatusCode: resp.StatusCode, Body: truncateBody(body)}
		}
		return envelope.Results, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return nil, &transientError{
			statusCode: resp.StatusCode,
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody+1))
		return nil, &QueryFailure{StatusCode: resp.StatusCode, Body: truncateBody(body)}
	}
}

// parseRetryAfter reads an integer-seconds Retry-After value. The endpoint
// emits seconds; HTTP-date values fall through to the exponential schedule.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
