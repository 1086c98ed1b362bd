package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"train-tracking-sim/shared/authx"
	"train-tracking-sim/shared/httpx"
	"train-tracking-sim/shared/jobs"
	"train-tracking-sim/shared/logx"
)

// AuditMiddleware records state-changing and rejected requests as
// audit.write tasks. The archive worker persists them.
type AuditMiddleware struct {
	Enabled   bool
	Queue     jobs.Enqueuer
	QueueName string
	MaxRetry  int
	Logger    logx.Logger
	Skip      func(*http.Request) bool
	Timeout   time.Duration
}

func (m AuditMiddleware) Wrap(next http.Handler) http.Handler {
	if !m.Enabled || m.Queue == nil {
		return next
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	queue := m.QueueName
	if queue == "" {
		queue = "default"
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &httpx.StatusRecorder{ResponseWriter: w, StatusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		if !shouldAudit(r, rec.StatusCode) {
			return
		}

		entry := jobs.AuditPayload{
			OccurredAt: time.Now().UTC(),
			Actor:      "anonymous",
			Action:     actionForRequest(r, rec.StatusCode),
			RequestID:  httpx.RequestIDFromContext(r.Context()),
			Method:     r.Method,
			Path:       r.URL.Path,
			StatusCode: rec.StatusCode,
			DurationMS: time.Since(start).Milliseconds(),
			ClientIP:   httpx.ClientIP(r),
			UserAgent:  strings.TrimSpace(r.UserAgent()),
			Details:    auditDetails(r, rec.StatusCode),
		}
		if auth, ok := authx.FromContext(r.Context()); ok {
			entry.Actor = auth.Subject
		}

		task, opts, err := jobs.NewAuditWriteTask(entry, queue, m.MaxRetry)
		if err != nil {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if _, err := m.Queue.EnqueueContext(ctx, task, opts...); err != nil {
				m.Logger.Warn(ctx, "audit_enqueue_failed", "audit enqueue failed",
					slog.String("error_code", "INTERNAL_ERROR"),
					slog.String("error", err.Error()),
				)
			}
		}()
	})
}

func shouldAudit(r *http.Request, statusCode int) bool {
	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		return true
	}
	return r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch || r.Method == http.MethodDelete
}

func actionForRequest(r *http.Request, statusCode int) string {
	if statusCode == http.StatusUnauthorized {
		return "auth_failed"
	}
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case strings.HasSuffix(path, "/inject"):
		return "inject"
	case strings.HasSuffix(path, "/cancel-delay"):
		return "cancel_delay"
	case strings.HasSuffix(path, "/reset"):
		return "reset"
	case strings.HasSuffix(path, "/login"):
		return "login"
	case strings.HasSuffix(path, "/kick"):
		return "kick"
	}
	switch r.Method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

func auditDetails(r *http.Request, statusCode int) json.RawMessage {
	details := map[string]any{
		"status_code": statusCode,
	}
	if q := r.URL.RawQuery; q != "" {
		details["query"] = q
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil
	}
	return b
}
