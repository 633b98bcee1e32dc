// Package errors keeps internal detail out of API-facing error messages.
package errors

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	filePathPattern = regexp.MustCompile(`(/[a-zA-Z0-9_\-./]+)`)

	ipPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

	// Backend detail that must never reach a client verbatim.
	backendPattern = regexp.MustCompile(`(?i)(clickhouse|kafka|redis|sql:|connection string|password=|secret=|token=|api[_-]?key=)`)
)

// ProductionMode gates sanitization. In development the original
// messages pass through for debugging.
var ProductionMode = false

// SetProductionMode sets the production mode flag. Called once during
// startup, before any request is served.
func SetProductionMode(production bool) {
	ProductionMode = production
}

// Sanitize strips sensitive detail from an error before it is returned
// to a client.
func Sanitize(err error) error {
	if err == nil {
		return nil
	}
	if !ProductionMode {
		return err
	}
	return errors.New(SanitizeString(err.Error()))
}

// SanitizeString strips file paths, IP addresses, and backend detail
// from a message. No-op outside production mode.
func SanitizeString(s string) string {
	if !ProductionMode {
		return s
	}

	// Keep only the filename of any absolute path.
	s = filePathPattern.ReplaceAllStringFunc(s, func(match string) string {
		return filepath.Base(match)
	})

	// Keep the first two octets for debugging context.
	s = ipPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := strings.Split(match, ".")
		if len(parts) == 4 {
			return fmt.Sprintf("%s.%s.x.x", parts[0], parts[1])
		}
		return "x.x.x.x"
	})

	if backendPattern.MatchString(s) {
		s = "internal storage operation failed"
	}

	if strings.Contains(s, "goroutine") || strings.Count(s, "\n") > 3 {
		s = "internal server error"
	}

	return s
}

// safeMessages are client-facing messages the API produces on purpose;
// they pass through untouched even in production mode.
var safeMessages = []string{
	"invalid json",
	"failed to read request body",
	"payload too large",
	"no attempts provided",
	"batch size exceeds",
	"queue full",
	"campaign not found",
	"hours must be",
	"missing api key",
	"invalid api key",
	"rate limit exceeded",
	"unauthorized",
	"forbidden",
	"not found",
}

// SafeMessage returns a client-safe version of an error message.
// Intentional API messages pass through; anything else is sanitized.
func SafeMessage(msg string) string {
	if msg == "" {
		return ""
	}

	lower := strings.ToLower(msg)
	for _, safe := range safeMessages {
		if strings.Contains(lower, safe) {
			return msg
		}
	}
	return SanitizeString(msg)
}
