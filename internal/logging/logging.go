// Package logging configures the process-wide structured logger. Card data
// must never reach the log stream, so the handler masks known sensitive keys
// and anything that looks like a card number.
package logging

import (
	"io"
	"log/slog"
	"regexp"
	"strings"
)

var sensitiveKeys = map[string]bool{
	"pan":          true,
	"card_number":  true,
	"cvv":          true,
	"cvc":          true,
	"expiry":       true,
	"secret":       true,
	"token_secret": true,
}

var panPattern = regexp.MustCompile(`\b\d{13,19}\b`)

// New builds a JSON slog.Logger writing to w at the given level, with
// sensitive attributes redacted.
func New(w io.Writer, level slog.Level, service string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redactAttr,
	})
	return slog.New(handler).With("service", service)
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if s := a.Value.String(); panPattern.MatchString(s) {
			return slog.String(a.Key, panPattern.ReplaceAllString(s, "[REDACTED]"))
		}
	}
	return a
}
