package parser

import (
	"net/url"
	"strings"

	"github.com/grafana/regexp"

	"streamguard/work/utils"
)

// Resource kinds accepted by the fetch proxy's type parameter.
const (
	KindStream       = "stream"
	KindVAST         = "vast"
	KindVASTTracking = "vast-tracking"
)

// uriAttribute matches a quoted URI attribute inside a playlist tag, such as
// the init segment of #EXT-X-MAP or the key location of #EXT-X-KEY.
var uriAttribute = regexp.MustCompile(`URI="([^"]*)"`)

// ProxyURL routes target through the proxy endpoint with type=stream.
func ProxyURL(endpoint, target string) string {
	return ProxyURLKind(endpoint, target, KindStream)
}

// ProxyURLKind routes target through the proxy endpoint with the given kind.
func ProxyURLKind(endpoint, target, kind string) string {
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + "url=" + url.QueryEscape(target) + "&type=" + kind
}

// UnwrapProxyURL returns the origin URL carried by a proxied URL, and false
// when u does not point at endpoint.
func UnwrapProxyURL(endpoint, u string) (string, bool) {
	if endpoint == "" || !strings.HasPrefix(u, endpoint) {
		return "", false
	}

	parsed, err := url.Parse(u)
	if err != nil {
		return "", false
	}

	target := parsed.Query().Get("url")
	if target == "" {
		return "", false
	}
	return target, true
}

// IsProxied reports whether u already goes through endpoint.
func IsProxied(endpoint, u string) bool {
	_, ok := UnwrapProxyURL(endpoint, u)
	return ok
}

// RewriteManifest makes every URL reference in a playlist absolute, resolved
// against the playlist's own location, and points it back at the proxy.
// Comment and blank lines are kept verbatim, except that URI="..."
// attributes inside tags are rewritten the same way as bare URL lines.
//
// Parameters:
//   - body: playlist text as received from origin
//   - manifestURL: origin URL the playlist was fetched from
//   - endpoint: absolute URL of the proxy route
//
// Returns:
//   - string: the rewritten playlist
func RewriteManifest(body, manifestURL, endpoint string) string {
	base := utils.BaseOf(manifestURL)

	route := func(ref string) string {
		return ProxyURL(endpoint, utils.ResolveReference(base, ref))
	}

	lines := strings.Split(body, "\n")
	for i, raw := range lines {
		line := strings.TrimRight(raw, "\r")
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "":
			continue

		case strings.HasPrefix(trimmed, "#"):
			if !strings.Contains(trimmed, `URI="`) {
				continue
			}
			lines[i] = uriAttribute.ReplaceAllStringFunc(line, func(attr string) string {
				ref := uriAttribute.FindStringSubmatch(attr)[1]
				if ref == "" || strings.HasPrefix(ref, "data:") || strings.HasPrefix(ref, "skd:") {
					return attr
				}
				return `URI="` + route(ref) + `"`
			})

		default:
			lines[i] = route(trimmed)
		}
	}

	return strings.Join(lines, "\n")
}
