package shoonya

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chartink-webhook-go/internal/config"
	"chartink-webhook-go/internal/metrics"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	statOk       = "Ok"
	retryBackoff = 200 * time.Millisecond
)

// Noren REST routes used by the order pipeline.
const (
	RouteAuthorize   = "authorize"
	RouteSearchScrip = "searchscrip"
	RouteGetQuotes   = "getquotes"
	RouteTPSeries    = "TPSeries"
	RouteOptionChain = "optionchain"
	RoutePlaceOrder  = "placeorder"
)

var routes = map[string]string{
	RouteAuthorize:   "/QuickAuth",
	RouteSearchScrip: "/SearchScrip",
	RouteGetQuotes:   "/GetQuotes",
	RouteTPSeries:    "/TPSeries",
	RouteOptionChain: "/GetOptionChain",
	RoutePlaceOrder:  "/PlaceOrder",
}

// RestClient is the transport for the Noren REST API. One instance, and
// therefore one RateLimiter, is shared by every Session on the process.
type RestClient struct {
	client     *resty.Client
	logger     *zap.Logger
	limiter    *RateLimiter
	maxRetries int
}

// NewRestClient creates a new Noren REST API client.
func NewRestClient(cfg *config.Broker, logger *zap.Logger) *RestClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.Endpoint, "/")).
		SetTimeout(cfg.Timeout)

	logger.Info("Using Noren REST API", zap.String("endpoint", cfg.Endpoint), zap.Duration("min_interval", cfg.MinInterval))

	return &RestClient{
		client:     client,
		logger:     logger.Named("shoonya"),
		limiter:    NewRateLimiter(cfg.MinInterval),
		maxRetries: cfg.MaxRetries,
	}
}

// Limiter returns the limiter every call on this connection passes through.
func (c *RestClient) Limiter() *RateLimiter {
	return c.limiter
}

// post sends values as the jData form field, with the session key as jKey
// when one is set, and returns the raw response body. Only idempotent routes
// may be retried.
func (c *RestClient) post(ctx context.Context, route, sessionKey string, values any, retryable bool) ([]byte, error) {
	path, ok := routes[route]
	if !ok {
		return nil, fmt.Errorf("unknown route %q", route)
	}

	jData, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", route, err)
	}
	body := "jData=" + string(jData)
	if sessionKey != "" {
		body += "&jKey=" + sessionKey
	}

	attempts := 1
	if retryable && c.maxRetries > 0 {
		attempts += c.maxRetries
	}

	var resp *resty.Response
	for i := 0; i < attempts; i++ {
		called := false
		err = c.limiter.Do(ctx, func() error {
			called = true
			c.logger.Debug("Executing request", zap.String("route", route), zap.String("url", c.client.BaseURL+path))
			var execErr error
			resp, execErr = c.client.R().
				SetContext(ctx).
				SetHeader("Content-Type", "application/x-www-form-urlencoded").
				SetBody(body).
				Post(path)
			return execErr
		})

		if err == nil && !resp.IsError() {
			metrics.BrokerRequests.WithLabelValues(route, "ok").Inc()
			return resp.Body(), nil
		}
		if !called {
			// The limiter refused because the slot opens after the deadline.
			metrics.BrokerRequests.WithLabelValues(route, "error").Inc()
			return nil, fmt.Errorf("%s not sent: %w", route, err)
		}
		if ctx.Err() != nil {
			metrics.BrokerRequests.WithLabelValues(route, "error").Inc()
			return nil, fmt.Errorf("%s aborted: %w", route, ctx.Err())
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if err == nil && resp != nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests {
				shouldRetry = true
				if seconds, convErr := strconv.Atoi(resp.Header().Get("Retry-After")); convErr == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 {
				shouldRetry = true
			}
			err = fmt.Errorf("%s failed with status %s: %s", route, resp.Status(), strings.TrimSpace(resp.String()))
		} else {
			// Network or other client-side errors
			shouldRetry = true
		}

		if !shouldRetry || i == attempts-1 {
			break
		}

		if retryAfter == 0 {
			retryAfter = time.Duration(math.Pow(2, float64(i))) * retryBackoff
		}

		c.logger.Warn("Request failed, retrying...",
			zap.String("route", route),
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			metrics.BrokerRequests.WithLabelValues(route, "error").Inc()
			return nil, fmt.Errorf("%s aborted: %w", route, ctx.Err())
		}
	}

	metrics.BrokerRequests.WithLabelValues(route, "error").Inc()
	return nil, fmt.Errorf("%s request failed after %d attempt(s): %w", route, attempts, err)
}

// envelope is the success discriminator every object response carries.
type envelope struct {
	Stat string `json:"stat"`
	Emsg string `json:"emsg"`
}

// call posts a request and decodes an object response into out after
// checking the stat discriminator.
func (c *RestClient) call(ctx context.Context, route, sessionKey string, values any, retryable bool, out any) error {
	body, err := c.post(ctx, route, sessionKey, values, retryable)
	if err != nil {
		return err
	}
	return decodeObject(route, body, out)
}

func decodeObject(route string, body []byte, out any) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", route, err)
	}
	if env.Stat == "" {
		return fmt.Errorf("%s: %w", route, ErrMissingStatus)
	}
	if env.Stat != statOk {
		return &APIError{Route: route, Stat: env.Stat, Message: env.Emsg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", route, err)
	}
	return nil
}

func isJSONArray(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && trimmed[0] == '['
}

// flexFloat accepts numbers, numeric strings, empty strings and null.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexFloat(v)
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
