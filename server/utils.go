package server

import (
	"net/http"
	"os"
	"strconv"
	"time"
)

// parseIntQuery extracts an int parameter from query string with a default value.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// parseInt64Path parses a numeric path element (e.g. a session id).
func parseInt64Path(s string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// parseTimeQuery extracts an RFC3339 timestamp from the query string.
// Returns nil when the parameter is absent, and ok=false when it is present
// but malformed.
func parseTimeQuery(r *http.Request, key string) (t *time.Time, ok bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, true
	}
	parsed, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, false
	}
	return &parsed, true
}

// getEnvInt returns an integer environment variable value or default if not set or invalid.
func getEnvInt(key string, defaultVal int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return defaultVal
}
