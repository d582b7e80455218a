package security

import (
	"net/url"
	"regexp"
)

const Redacted = "[REDACTED]"

var sensitiveKey = regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|authorization|key)`)

// RedactQuery returns a copy of q with sensitive parameter values replaced.
func RedactQuery(q url.Values) url.Values {
	out := make(url.Values, len(q))
	for k, v := range q {
		if sensitiveKey.MatchString(k) {
			out[k] = []string{Redacted}
			continue
		}
		out[k] = append([]string(nil), v...)
	}
	return out
}

// RedactURL redacts sensitive query parameters of rawURL for logging.
func RedactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.RawQuery == "" {
		return rawURL
	}
	u.RawQuery = RedactQuery(u.Query()).Encode()
	return u.String()
}
