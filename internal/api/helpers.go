package api

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"grimm.is/wayout/internal/metrics"
)

// ErrorResponse is the standard error envelope. Tag carries the error
// taxonomy so no failure surfaces as an untyped 500.
type ErrorResponse struct {
	Error   string `json:"error"`
	Tag     string `json:"tag"`
	Details string `json:"details,omitempty"`
}

// WriteError sends a tagged JSON error response.
func WriteError(w http.ResponseWriter, code int, tag, message string, details ...string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	resp := ErrorResponse{Error: message, Tag: tag}
	if len(details) > 0 {
		resp.Details = details[0]
	}
	json.NewEncoder(w).Encode(resp)
}

// WriteJSON sends a JSON success response.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// BindJSON decodes the request body into dst, rejecting unknown fields.
func BindJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// getClientIP extracts the client IP, honoring proxy headers.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		ip := strings.TrimSpace(ips[0])
		if net.ParseIP(ip) != nil {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if net.ParseIP(xri) != nil {
			return xri
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// observeRequest records one request against the matched mux pattern
// so path parameters don't explode metric label cardinality.
func observeRequest(pattern string, status int, elapsed time.Duration) {
	if _, path, ok := strings.Cut(pattern, " "); ok {
		pattern = path
	}
	m := metrics.Get()
	m.APIRequests.WithLabelValues(pattern, fmt.Sprintf("%d", status)).Inc()
	m.APILatency.WithLabelValues(pattern).Observe(elapsed.Seconds())
}
