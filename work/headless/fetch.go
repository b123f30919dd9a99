package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"streamguard/work/client"
	"streamguard/work/config"
)

const defaultRequestTimeout = 20 * time.Second

// StatusError is a non-2xx upstream response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// statusOf returns the HTTP status carried by err, 0 when none.
func statusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

func timedOut(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// Fetcher issues the engines' upstream requests the way a media player
// would, through the shared header-setting client.
type Fetcher struct {
	Client   *client.HeaderSettingClient
	Strategy client.Strategy
	// Timeout bounds playlist and segment requests. Continuous streams
	// ignore it.
	Timeout time.Duration
}

// NewFetcher returns a fetcher dressed with the media player strategy of
// cfg's chain.
func NewFetcher(cfg *config.Config) *Fetcher {
	f := &Fetcher{Client: client.NewHeaderSettingClient(), Timeout: defaultRequestTimeout}
	for _, s := range client.Chain(cfg) {
		if s.Name == client.StrategyMedia {
			f.Strategy = s
		}
	}
	if cfg.Retry.Timeout > 0 {
		f.Timeout = cfg.Retry.Timeout
	}
	return f
}

// open starts a GET of url. The caller owns the body of a successful
// response; any non-2xx status is returned as a *StatusError.
func (f *Fetcher) open(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.Client.Do(req, f.Strategy, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}
	return resp, nil
}

func (f *Fetcher) timeout() time.Duration {
	if f.Timeout <= 0 {
		return defaultRequestTimeout
	}
	return f.Timeout
}
