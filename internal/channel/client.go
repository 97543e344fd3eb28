package channel

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxErrorBody = 4 << 10

// ClientOptions tunes the provider HTTP client shared by the adapters.
type ClientOptions struct {
	// Timeout bounds each attempt. Zero means 10s.
	Timeout time.Duration
	// RetryCount is the number of extra attempts after a transient failure.
	RetryCount int
	// RetryWait and RetryMaxWait bound the backoff between attempts. Zero
	// means 200ms and 2s.
	RetryWait    time.Duration
	RetryMaxWait time.Duration
}

// quietLogger drops resty's own log lines; they carry request URLs, and Graph
// URLs carry the access token. Adapters report failures themselves.
type quietLogger struct{}

func (quietLogger) Errorf(string, ...any) {}
func (quietLogger) Warnf(string, ...any)  {}
func (quietLogger) Debugf(string, ...any) {}

// NewRestyClient returns a traced resty client. Network errors, 429 and 5xx
// responses are retried RetryCount times with the same headers, so a
// provider retry key stays stable across attempts of one send.
func NewRestyClient(o ClientOptions) *resty.Client {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.RetryWait <= 0 {
		o.RetryWait = 200 * time.Millisecond
	}
	if o.RetryMaxWait <= 0 {
		o.RetryMaxWait = 2 * time.Second
	}
	return resty.New().
		SetTransport(otelhttp.NewTransport(http.DefaultTransport)).
		SetTimeout(o.Timeout).
		SetRetryCount(o.RetryCount).
		SetRetryWaitTime(o.RetryWait).
		SetRetryMaxWaitTime(o.RetryMaxWait).
		SetLogger(quietLogger{}).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			ctx := context.Background()
			var raw *http.Response
			if r != nil {
				raw = r.RawResponse
				if r.Request != nil {
					ctx = r.Request.Context()
				}
			}
			retry, _ := retryablehttp.DefaultRetryPolicy(ctx, raw, err)
			return retry
		})
}

// NewAPIError wraps a non-2xx provider response.
func NewAPIError(resp *resty.Response) *APIError {
	body := resp.Body()
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &APIError{Status: resp.StatusCode(), Body: strings.TrimSpace(string(body))}
}
