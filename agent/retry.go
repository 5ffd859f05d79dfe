package main

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/defenderhub/defenderhub/pkg/config"
	"github.com/rs/zerolog/log"
)

// retrier re-sends router check-ins that failed for transient reasons.
type retrier struct {
	initial  time.Duration
	ceiling  time.Duration
	attempts int
}

func newRetrier(cfg config.ConnectionConfig) *retrier {
	r := &retrier{
		initial:  time.Duration(cfg.RetryInitialMs) * time.Millisecond,
		ceiling:  time.Duration(cfg.RetryMaxMs) * time.Millisecond,
		attempts: cfg.RetryMaxRetries,
	}
	if r.initial <= 0 {
		r.initial = 500 * time.Millisecond
	}
	if r.ceiling < r.initial {
		r.ceiling = r.initial
	}
	if r.attempts < 0 {
		r.attempts = 0
	}
	return r
}

// do calls send until it succeeds or fails permanently. A server-supplied
// Retry-After wins over the computed backoff when it is longer.
func (r *retrier) do(ctx context.Context, action string, send func() error) error {
	for retry := 0; ; retry++ {
		err := send()
		if err == nil || retry >= r.attempts || !isTransient(err) {
			return err
		}

		wait := backoffWithJitter(r.initial, r.ceiling, retry)
		var te transientError
		if errors.As(err, &te) && te.retryAfter > wait {
			wait = te.retryAfter
		}
		log.Warn().Err(err).
			Str("action", action).
			Int("retry", retry+1).
			Dur("wait", wait).
			Msg("Router check-in failed, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}

func backoffWithJitter(initial, ceiling time.Duration, retry int) time.Duration {
	d := math.Min(float64(initial)*math.Pow(2, float64(retry)), float64(ceiling))
	half := d / 2
	return time.Duration(half + rand.Float64()*half)
}

// transientError is a check-in response worth retrying: 5xx or 429.
type transientError struct {
	status     int
	retryAfter time.Duration
}

func (e transientError) Error() string {
	return "router check-in: server returned " + strconv.Itoa(e.status) + " " + http.StatusText(e.status)
}

// transientStatus returns a transientError for retryable responses, nil otherwise.
func transientStatus(resp *http.Response) error {
	if resp.StatusCode != http.StatusTooManyRequests && (resp.StatusCode < 500 || resp.StatusCode > 599) {
		return nil
	}
	te := transientError{status: resp.StatusCode}
	if secs, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); err == nil && secs > 0 {
		te.retryAfter = time.Duration(secs) * time.Second
	}
	return te
}

// isTransient reports whether err came from the network or a transient status.
// Cancellation is final.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var te transientError
	if errors.As(err, &te) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
