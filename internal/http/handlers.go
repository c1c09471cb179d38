package http

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// handleHealth performs basic liveness check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	NewResponse().JSON(map[string]any{
		"status":    "ok",
		"timestamp": s.now().Format(time.RFC3339),
		"uptime":    time.Since(s.appMetrics.uptime).String(),
	}).Write(w)
}

// handleReady reports whether the process can serve requests. It never
// calls the Finet API; an unreachable API is reported by the requests that
// need it.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := "ready"
	httpStatus := http.StatusOK
	checks := make(map[string]any)

	if s.api == nil || s.sess == nil || s.ledger == nil {
		checks["services"] = "not_configured"
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["services"] = "ok"
	}

	if s.sess != nil {
		checks["session"] = s.sess.State().String()
	}
	if s.ledger != nil {
		checks["balance_sync"] = string(s.ledger.Mode())
	}
	checks["export"] = s.exporter != nil
	checks["avatar_upload"] = s.uploader != nil && s.uploader.Enabled()
	checks["rate_limiter"] = map[string]any{
		"active_clients": s.rateLimiter.ActiveClients(),
		"status":         "ok",
	}

	NewResponse().Status(httpStatus).JSON(map[string]any{
		"status":    status,
		"timestamp": s.now().Format(time.RFC3339),
		"checks":    checks,
	}).Write(w)
}

// handleMetrics provides application and security metrics in plain text format
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	securityMetrics := s.securityDetector.GetMetrics()
	rateLimitMetrics := s.rateLimiter.GetMetrics()
	traceMetrics := s.traceMiddleware.GetMetrics()

	metrics := []struct {
		name, help, kind string
		value            any
	}{
		{"http_requests_total", "Total number of HTTP requests", "counter", traceMetrics.TotalRequests},
		{"entry_writes_total", "Entry mutations accepted by the ledger", "counter", atomic.LoadInt64(&s.appMetrics.entriesWrites)},
		{"balance_writes_queued_total", "Balance writes handed to the retry queue", "counter", atomic.LoadInt64(&s.appMetrics.queuedWrites)},
		{"ledger_exports_total", "Wallet ledgers exported", "counter", atomic.LoadInt64(&s.appMetrics.exports)},
		{"otp_cooldowns", "Emails currently in OTP resend cooldown", "gauge", s.otpSent.Size()},
		{"rate_limit_hits_total", "Total rate limit hits", "counter", rateLimitMetrics.TotalHits},
		{"active_rate_limit_clients", "Currently tracked rate limit clients", "gauge", rateLimitMetrics.ClientCount},
		{"suspicious_requests_total", "Total suspicious requests detected", "counter", securityMetrics.SuspiciousRequests},
		{"blocked_requests_total", "Requests rejected by the security detector", "counter", securityMetrics.BlockedRequests},
		{"uptime_seconds", "Application uptime in seconds", "gauge", int64(time.Since(s.appMetrics.uptime).Seconds())},
	}

	w.WriteHeader(http.StatusOK)
	for _, m := range metrics {
		fmt.Fprintf(w, "# HELP %s %s\n", m.name, m.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", m.name, m.kind)
		fmt.Fprintf(w, "%s %v\n\n", m.name, m.value)
	}
}
