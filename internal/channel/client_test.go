package channel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func fastClient(retries int) ClientOptions {
	return ClientOptions{RetryCount: retries, RetryWait: time.Millisecond, RetryMaxWait: 5 * time.Millisecond}
}

func TestRestyClient_RetriesOnlyTransientStatuses(t *testing.T) {
	cases := []struct {
		status int
		want   int32
	}{
		{http.StatusServiceUnavailable, 3},
		{http.StatusTooManyRequests, 3},
		{http.StatusBadRequest, 1},
		{http.StatusConflict, 1},
		{http.StatusNotImplemented, 1},
	}
	for _, tc := range cases {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(tc.status)
		}))
		resp, err := NewRestyClient(fastClient(2)).R().SetBody(map[string]string{"a": "b"}).Post(srv.URL)
		srv.Close()
		if err != nil || resp.StatusCode() != tc.status {
			t.Fatalf("%d: resp=%v err=%v", tc.status, resp, err)
		}
		if hits.Load() != tc.want {
			t.Fatalf("%d: attempts = %d; want %d", tc.status, hits.Load(), tc.want)
		}
	}
}

func TestRestyClient_StopsOnCanceledContext(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRestyClient(fastClient(5)).R().SetContext(ctx).Get(srv.URL)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if hits.Load() > 1 {
		t.Fatalf("attempts after cancel = %d", hits.Load())
	}
}

func TestNewAPIError_TruncatesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(" " + strings.Repeat("x", 2*maxErrorBody)))
	}))
	defer srv.Close()

	resp, err := NewRestyClient(ClientOptions{}).R().Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	apiErr := NewAPIError(resp)
	if apiErr.Status != http.StatusBadRequest || len(apiErr.Body) != maxErrorBody-1 {
		t.Fatalf("status=%d len=%d", apiErr.Status, len(apiErr.Body))
	}
}
