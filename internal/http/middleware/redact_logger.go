package middleware

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const redacted = "[REDACTED]"

// Headers masked by default. Webhook signatures are masked because a valid
// signature together with the body replays the delivery.
var defaultMaskHeaders = []string{
	"Authorization",
	"Cookie",
	"Set-Cookie",
	"X-Line-Signature",
	"X-Hub-Signature-256",
}

// Query parameters whose values are credentials (Meta verify handshake,
// Graph access tokens).
var defaultMaskParams = []string{
	"hub.verify_token",
	"access_token",
}

var (
	uuidRE  = regexp.MustCompile(`(?i)\b[0-9a-f]{8}\-[0-9a-f]{4}\-[1-5][0-9a-f]{3}\-[89ab][0-9a-f]{3}\-[0-9a-f]{12}\b`)
	emailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	// Digits only, so hex runs inside ids never match.
	phoneRE = regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
)

// RedactOptions extends the built-in masks.
type RedactOptions struct {
	// MaskHeaders are replaced by [REDACTED], case-insensitively.
	MaskHeaders []string
	// MaskParams are query parameters whose values are replaced.
	MaskParams []string
}

// scrub replaces ids, emails and phone numbers. Ids go first: the phone
// pattern would otherwise eat the digit groups of a UUID.
func scrub(s string) string {
	if s == "" {
		return s
	}
	s = uuidRE.ReplaceAllString(s, "[REDACTED:id]")
	s = emailRE.ReplaceAllString(s, "[REDACTED:email]")
	return phoneRE.ReplaceAllString(s, "[REDACTED:phone]")
}

func lowerSet(defaults, extra []string) map[string]struct{} {
	set := make(map[string]struct{}, len(defaults)+len(extra))
	for _, group := range [][]string{defaults, extra} {
		for _, v := range group {
			if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
				set[v] = struct{}{}
			}
		}
	}
	return set
}

// redactQuery masks credential parameters, keeping the original order, and
// then applies the pattern scrub.
func redactQuery(raw string, params map[string]struct{}) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	for i, p := range parts {
		k, _, found := strings.Cut(p, "=")
		name, err := url.QueryUnescape(k)
		if err != nil {
			name = k
		}
		if _, ok := params[strings.ToLower(name)]; ok && found {
			parts[i] = k + "=" + redacted
		}
	}
	return scrub(truncate(strings.Join(parts, "&"), maxQueryLogLength))
}

// RedactingLogger writes one access log line per request and stashes a
// request-scoped logger for LoggerFrom. Bodies are never logged; header and
// query values are scrubbed first.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	headers := lowerSet(defaultMaskHeaders, opts.MaskHeaders)
	params := lowerSet(defaultMaskParams, opts.MaskParams)

	return func(c *gin.Context) {
		start := time.Now()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		query := redactQuery(c.Request.URL.RawQuery, params)

		safeHeaders := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			if _, ok := headers[strings.ToLower(k)]; ok {
				safeHeaders[k] = redacted
				continue
			}
			safeHeaders[k] = scrub(strings.Join(vv, ", "))
		}

		setLogger(c, log.With().
			Str("request_id", RequestIDFrom(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Logger())

		c.Next()

		status := c.Writer.Status()
		l := LoggerFrom(c)
		ev := l.Info()
		switch {
		case status >= 500:
			ev = l.Error()
		case status >= 400:
			ev = l.Warn()
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		ev.Str("query", query).
			Str("remote_ip", c.ClientIP()).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", safeHeaders).
			Msg("http_request")
	}
}
