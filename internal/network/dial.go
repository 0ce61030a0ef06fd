package network

import (
	"context"
	"time"
)

const (
	dialMaxRetries       = 3
	dialBackoffBase      = 100 * time.Millisecond
	dialBackoffMax       = 1 * time.Second
	dialTimeout          = 8 * time.Second
	maxIdleTimeout       = 30 * time.Second
	keepAlivePeriod      = 10 * time.Second
	handshakeIdleTimeout = 5 * time.Second
	prefaceTimeout       = 5 * time.Second
)

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), dialTimeout)
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, dialTimeout)
}

// backoffRetry sleeps for the backoff of the given failure count and reports
// whether the caller should try again.
func backoffRetry(ctx context.Context, failures int) bool {
	if failures <= 0 || failures > dialMaxRetries {
		return false
	}
	d := dialBackoffBase
	if failures > 1 {
		d = d * time.Duration(1<<uint(failures-1))
	}
	if d > dialBackoffMax {
		d = dialBackoffMax
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
