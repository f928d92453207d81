package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/tidyimg/internal/ratelimit"
)

type RateLimiter interface {
	AllowN(ctx context.Context, subject string, cost int) (ratelimit.Decision, error)
}

// routeCosts weights the expensive operations. Anything not listed costs 1.
var routeCosts = map[string]int{
	"/v1/sessions":               3,
	"/v1/sessions/import":        3,
	"/v1/sessions/{id}/resize":   2,
	"/v1/sessions/{id}/crop":     2,
	"/v1/sessions/{id}/compress": 2,
	"/v1/sessions/{id}/convert":  2,
	"/v1/sessions/{id}/export":   3,
	"/v1/sessions/{id}/analyze":  10,
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !shouldRateLimit(r) {
			next.ServeHTTP(w, r)
			return
		}

		route := routeLabel(r.URL.Path)
		subject := s.rateLimitSubject(r)

		decision, err := s.rateLimiter.AllowN(r.Context(), subject, routeCost(r.Method, route))
		if err != nil {
			s.logger.Printf("rate limiter check failed subject=%s err=%v", subject, err)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		w.Header().Set("X-RateLimit-Cost", strconv.Itoa(decision.Cost))
		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := int(decision.RetryAfter.Round(time.Second).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		s.metrics.rateLimitRejected.WithLabelValues(route).Inc()
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error": "rate limit exceeded",
		})
	})
}

// rateLimitSubject prefers the caller's user ID header and falls back to the
// client address.
func (s *Server) rateLimitSubject(r *http.Request) string {
	if s.rateLimitUserIDHeader != "" {
		if user := strings.TrimSpace(r.Header.Get(s.rateLimitUserIDHeader)); user != "" {
			return "user:" + user
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host = strings.TrimSpace(host); host == "" {
		return "anonymous"
	}
	return "ip:" + host
}

func routeCost(method, route string) int {
	if method == http.MethodPut {
		return 1
	}
	if cost, ok := routeCosts[route]; ok {
		return cost
	}
	return 1
}

func shouldRateLimit(r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/v1/")
}
