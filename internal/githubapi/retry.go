package githubapi

import (
	"math/rand"
	"net/http"
	"time"
)

const (
	retryMaxAttempts  = 3
	retryInitialDelay = 500 * time.Millisecond
	retryFactor       = 2
	retryJitter       = 0.5
)

// retryableStatus lists the transient statuses the transport retries.
var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// retryTransport retries transient failures with jittered exponential
// backoff before the caller ever sees them. Only requests without a body or
// with a replayable body are retried; GitHub GETs dominate traffic so this
// covers the cases that matter.
type retryTransport struct {
	base  http.RoundTripper
	sleep func(time.Duration) // injectable for tests
}

func newRetryTransport(base http.RoundTripper) *retryTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &retryTransport{base: base, sleep: time.Sleep}
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	delay := retryInitialDelay
	var resp *http.Response
	var err error

	for attempt := 0; attempt <= retryMaxAttempts; attempt++ {
		if attempt > 0 {
			if req.Body != nil && req.GetBody == nil {
				break // body consumed, cannot replay
			}
			if req.GetBody != nil {
				body, berr := req.GetBody()
				if berr != nil {
					break
				}
				req.Body = body
			}
			jitter := 1 + retryJitter*(2*rand.Float64()-1)
			t.sleep(time.Duration(float64(delay) * jitter))
			delay *= retryFactor
		}

		resp, err = t.base.RoundTrip(req)
		if err != nil {
			continue
		}
		if !retryableStatus[resp.StatusCode] {
			return resp, nil
		}
		if attempt < retryMaxAttempts {
			resp.Body.Close()
		}
	}
	return resp, err
}
