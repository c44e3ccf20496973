package envoy

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultTimeout   = 10 * time.Second
	transportRetries = 2
	retryBackoff     = 100 * time.Millisecond
)

// NewDeviceClient returns an http.Client suitable for talking to a gateway on
// the local network. Gateways present a self-signed certificate, so TLS
// verification is off. Redirects are not followed: old firmware redirects
// http to https://localhost which leads nowhere.
func NewDeviceClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true,
			},
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

type requestOption func(*http.Request)

func withHeader(key, value string) requestOption {
	return func(req *http.Request) {
		req.Header.Set(key, value)
	}
}

func withCookies(cookies []*http.Cookie) requestOption {
	return func(req *http.Request) {
		for _, c := range cookies {
			req.AddCookie(c)
		}
	}
}

// doGet sends a GET request, retrying on transport-level errors with a short
// linear backoff. HTTP status errors are never retried here: a status >= 400
// is returned as *StatusError together with the response and body, so callers
// can still inspect it (the 401 recovery path needs that).
func doGet(ctx context.Context, client *http.Client, logger *zap.Logger, rawURL string, opts ...requestOption) (*http.Response, []byte, error) {
	return doRetry(ctx, logger, "GET", rawURL, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		for _, opt := range opts {
			opt(req)
		}
		return client.Do(req)
	})
}

// doPostForm sends a form-encoded POST request with the same retry policy as
// doGet.
func doPostForm(ctx context.Context, client *http.Client, logger *zap.Logger, rawURL string, form url.Values, opts ...requestOption) (*http.Response, []byte, error) {
	return doRetry(ctx, logger, "POST", rawURL, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		for _, opt := range opts {
			opt(req)
		}
		return client.Do(req)
	})
}

// doPostJSON sends a JSON POST request with the same retry policy as doGet.
func doPostJSON(ctx context.Context, client *http.Client, logger *zap.Logger, rawURL string, payload any, opts ...requestOption) (*http.Response, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	return doRetry(ctx, logger, "POST", rawURL, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		for _, opt := range opts {
			opt(req)
		}
		return client.Do(req)
	})
}

func doRetry(ctx context.Context, logger *zap.Logger, method, rawURL string, do func() (*http.Response, error)) (*http.Response, []byte, error) {
	var lastErr error
	for attempt := 1; attempt <= transportRetries+1; attempt++ {
		resp, err := do()
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, &CommunicationError{Op: method, URL: rawURL, Err: ctx.Err()}
			}
			lastErr = err
			logger.Debug("http transport error",
				zap.String("method", method),
				zap.String("url", rawURL),
				zap.Int("attempt", attempt),
				zap.Error(err))
			if attempt <= transportRetries {
				select {
				case <-time.After(time.Duration(attempt) * retryBackoff):
				case <-ctx.Done():
					return nil, nil, &CommunicationError{Op: method, URL: rawURL, Err: ctx.Err()}
				}
			}
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, nil, &CommunicationError{Op: method, URL: rawURL, Err: err}
		}
		logger.Debug("http response",
			zap.String("method", method),
			zap.String("url", rawURL),
			zap.Int("status", resp.StatusCode),
			zap.Int("length", len(body)))
		if resp.StatusCode >= 400 {
			return resp, body, &StatusError{StatusCode: resp.StatusCode, URL: rawURL}
		}
		return resp, body, nil
	}
	return nil, nil, &CommunicationError{Op: method, URL: rawURL, Err: lastErr}
}
