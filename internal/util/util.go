package util

import (
	"net/url"
	"strings"
)

// keyPrefixes are kept visible when a key is masked so operators can tell key kinds apart.
var keyPrefixes = []string{"vk-", "sk-"}

// HideAPIKey masks a virtual or upstream key for logs and admin responses. A known prefix and
// the last four characters survive; short keys keep less.
func HideAPIKey(apiKey string) string {
	prefix := ""
	body := apiKey
	for _, p := range keyPrefixes {
		if strings.HasPrefix(apiKey, p) && len(apiKey) > len(p)+8 {
			prefix, body = p, apiKey[len(p):]
			break
		}
	}
	switch n := len(body); {
	case n > 8:
		return prefix + body[:2] + "..." + body[n-4:]
	case n > 4:
		return prefix + body[:1] + "..." + body[n-2:]
	case n > 2:
		return prefix + "..." + body[n-1:]
	default:
		return apiKey
	}
}

// sensitiveParams lists query parameter fragments whose values are masked in request logs.
var sensitiveParams = []string{"key", "token", "secret"}

// MaskSensitiveQuery masks credential-looking query values, keeping parameter order intact.
func MaskSensitiveQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	masked := false
	for i, part := range parts {
		name, value, found := strings.Cut(part, "=")
		if !found || !isSensitiveParam(name) {
			continue
		}
		if decoded, errUnescape := url.QueryUnescape(value); errUnescape == nil {
			value = decoded
		}
		parts[i] = name + "=" + url.QueryEscape(HideAPIKey(strings.TrimSpace(value)))
		masked = true
	}
	if !masked {
		return raw
	}
	return strings.Join(parts, "&")
}

func isSensitiveParam(name string) bool {
	if decoded, errUnescape := url.QueryUnescape(name); errUnescape == nil {
		name = decoded
	}
	name = strings.ToLower(strings.TrimSpace(name))
	for _, fragment := range sensitiveParams {
		if strings.Contains(name, fragment) {
			return true
		}
	}
	return false
}
