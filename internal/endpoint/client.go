// File: internal/endpoint/client.go
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// FetchOptions addresses the execution endpoint from the host task.
type FetchOptions struct {
	Host         string
	ExecPort     int
	CallbackPort int
	Wait         time.Duration
	Client       *http.Client
}

// Fetch asks the execution endpoint for the next fragment. An empty string with a nil error means
// nothing was queued within Wait. Connection failures are retried until Wait has passed, which
// covers the bridge still binding its endpoints while the first host task runs.
func Fetch(ctx context.Context, opts FetchOptions) (string, error) {
	if opts.ExecPort <= 0 {
		return "", errors.New("execution port is required")
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Wait <= 0 {
		opts.Wait = defaultWait
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}

	q := url.Values{}
	q.Set("wait", opts.Wait.String())
	if opts.CallbackPort > 0 {
		q.Set("callback", strconv.Itoa(opts.CallbackPort))
	}
	endpoint := (&url.URL{
		Scheme:   "http",
		Host:     net.JoinHostPort(opts.Host, strconv.Itoa(opts.ExecPort)),
		Path:     FragmentPath,
		RawQuery: q.Encode(),
	}).String()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = opts.Wait

	var script string
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create fragment request: %w", err))
		}
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("execution endpoint unreachable: %w", err)
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("failed to read fragment: %w", err)
			}
			script = string(body)
			return nil
		case http.StatusNoContent:
			return nil
		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("execution endpoint returned %s: %s", resp.Status, body))
		}
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return "", err
	}
	return script, nil
}
