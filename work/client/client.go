package client

import (
	"net/http"
	"time"

	"streamguard/work/config"
	"streamguard/work/utils"
)

// Strategy names, in chain order.
const (
	StrategySTB         = "stb"
	StrategyMedia       = "media"
	StrategyPassthrough = "passthrough"
)

// Strategy is one way of dressing an upstream request. Strategies are tried
// in order until one produces a successful response.
type Strategy struct {
	Name     string // Label used in logs and metrics
	Attempts int    // Attempts allowed before moving to the next strategy

	apply func(req *http.Request, target string, caller http.Header)
}

// Apply sets this strategy's headers on req.
//
// Parameters:
//   - req: outgoing upstream request
//   - target: origin URL the request points at
//   - caller: headers of the incoming proxy request, used by pass-through
func (s Strategy) Apply(req *http.Request, target string, caller http.Header) {
	if s.apply != nil {
		s.apply(req, target, caller)
	}
}

// Chain builds the strategy chain from configuration: set-top-box
// impersonation, then a generic media player, then the caller's own headers.
func Chain(cfg *config.Config) []Strategy {
	sc := cfg.Strategies

	stb := Strategy{
		Name:     StrategySTB,
		Attempts: sc.STBAttempts,
		apply: func(req *http.Request, target string, _ http.Header) {
			req.Header.Set("User-Agent", sc.STBUserAgent)
			req.Header.Set("Accept", "*/*")
			req.Header.Set("Connection", "keep-alive")
			req.Header.Set("X-Forwarded-For", utils.RandomIPv4())

			if origin := utils.OriginOf(target); origin != "" {
				req.Header.Set("Origin", origin)
				req.Header.Set("Referer", origin+"/")
			}
		},
	}

	media := Strategy{
		Name:     StrategyMedia,
		Attempts: sc.MediaAttempts,
		apply: func(req *http.Request, _ string, _ http.Header) {
			req.Header.Set("User-Agent", sc.MediaUserAgent)
		},
	}

	passthrough := Strategy{
		Name:     StrategyPassthrough,
		Attempts: sc.BrowserAttempts,
		apply: func(req *http.Request, target string, caller http.Header) {
			origin := utils.OriginOf(target)

			req.Header.Set("User-Agent", headerOr(caller, "User-Agent", sc.BrowserUserAgent))
			req.Header.Set("Accept", headerOr(caller, "Accept", "*/*"))
			req.Header.Set("Accept-Language", headerOr(caller, "Accept-Language", sc.AcceptLanguage))

			if v := headerOr(caller, "Origin", origin); v != "" {
				req.Header.Set("Origin", v)
			}
			if v := headerOr(caller, "Referer", origin+"/"); v != "/" {
				req.Header.Set("Referer", v)
			}
		},
	}

	return []Strategy{stb, media, passthrough}
}

func headerOr(h http.Header, key, fallback string) string {
	if h != nil {
		if v := h.Get(key); v != "" {
			return v
		}
	}
	return fallback
}

// HeaderSettingClient wraps http.Client with a transport tuned for many
// long-lived upstream connections and applies a Strategy per request.
type HeaderSettingClient struct {
	Client *http.Client
}

// NewHeaderSettingClient returns a client without an overall timeout, since
// segment bodies are streamed; per-attempt deadlines come from the caller's
// context.
func NewHeaderSettingClient() *HeaderSettingClient {
	return &HeaderSettingClient{
		Client: &http.Client{
			Timeout: 0,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
				DisableKeepAlives:     false,
			},
		},
	}
}

// Do sends req dressed by strategy s. The caller's Range header, when
// present, is always forwarded so partial responses survive the proxy.
func (hsc *HeaderSettingClient) Do(req *http.Request, s Strategy, caller http.Header) (*http.Response, error) {
	s.Apply(req, req.URL.String(), caller)

	if caller != nil {
		if rng := caller.Get("Range"); rng != "" {
			req.Header.Set("Range", rng)
		}
	}

	return hsc.Client.Do(req)
}
