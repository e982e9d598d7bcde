package dedup

import (
	"net/url"
	"strings"

	"github.com/Kocoro-lab/dossier/internal/models"
)

// trackingParams never change what a page is about.
var trackingParams = []string{
	"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
	"fbclid", "gclid", "msclkid",
}

// NormalizeURL cleans a URL for identity comparison
// - Lowercases scheme and host, drops a leading "www."
// - Removes tracking query parameters and the fragment
// - Removes a trailing slash from the path
func NormalizeURL(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.TrimPrefix(strings.ToLower(parsed.Host), "www.")
	parsed.Fragment = ""

	if parsed.RawQuery != "" {
		q := parsed.Query()
		for _, param := range trackingParams {
			q.Del(param)
		}
		parsed.RawQuery = q.Encode()
	}

	parsed.Path = strings.TrimSuffix(parsed.Path, "/")

	return parsed.String(), nil
}

// ExtractDomain returns the lowercase host without port or "www.".
func ExtractDomain(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	host := strings.ToLower(parsed.Host)
	if i := strings.Index(host, ":"); i != -1 {
		host = host[:i]
	}
	return strings.TrimPrefix(host, "www."), nil
}

// URLKey is the identity key of a result's URL, or "" when it has none.
func URLKey(r models.Result) string {
	raw := strings.TrimSpace(r.URL)
	if raw == "" {
		return ""
	}
	if norm, err := NormalizeURL(raw); err == nil && norm != "" {
		return norm
	}
	return strings.ToLower(raw)
}

// SeenKey is the within-source identity: the URL, else the source-native id.
func SeenKey(r models.Result) string {
	if key := URLKey(r); key != "" {
		return key
	}
	if id := strings.TrimSpace(r.ID); id != "" {
		return "id:" + id
	}
	return ""
}
