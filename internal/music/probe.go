package music

import (
	"context"
	"io"
	"net/http"
	"time"
)

// HTTPProber asks storage whether an object exists without downloading it.
// HEAD comes first; servers that refuse HEAD get a two-byte range GET.
type HTTPProber struct {
	client    *http.Client
	timeout   time.Duration
	authorize func(*http.Request)
}

func NewHTTPProber(client *http.Client, timeout time.Duration) *HTTPProber {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPProber{client: client, timeout: timeout}
}

// WithAuthorizer adds credentials to every probe request.
func (p *HTTPProber) WithAuthorizer(fn func(*http.Request)) *HTTPProber {
	p.authorize = fn
	return p
}

func (p *HTTPProber) Probe(ctx context.Context, rawURL string) Attempt {
	attempt := Attempt{URL: rawURL}

	status, err := p.do(ctx, http.MethodHead, rawURL)
	if err == nil {
		attempt.Status = status
		if classifyStatus(&attempt, status) {
			return attempt
		}
	}

	status, rangeErr := p.do(ctx, http.MethodGet, rawURL)
	if rangeErr != nil {
		if err != nil {
			// neither request completed; the object may well be there
			attempt.Outcome = ProbeUnknown
			attempt.Error = rangeErr.Error()
			return attempt
		}
		return attempt
	}

	attempt.Status = status
	if !classifyStatus(&attempt, status) {
		attempt.Outcome = ProbeUnreachable
	}
	return attempt
}

// classifyStatus fills in the outcome and reports whether the status is
// conclusive on its own.
func classifyStatus(a *Attempt, status int) bool {
	switch {
	case status >= 200 && status < 300:
		a.Outcome = ProbeReachable
		return true
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		a.Outcome = ProbeUnreachable
		a.AuthRejected = true
		return true
	default:
		a.Outcome = ProbeUnreachable
		return false
	}
}

func (p *HTTPProber) do(ctx context.Context, method, rawURL string) (int, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return 0, err
	}
	if method == http.MethodGet {
		req.Header.Set("Range", "bytes=0-1")
	}
	if p.authorize != nil {
		p.authorize(req)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64))

	return resp.StatusCode, nil
}
