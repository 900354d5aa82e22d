// Package audit ships the default audit collaborator: a slog-backed
// recorder. Every authorization decision and state mutation goes
// through it on a best-effort basis.
package audit

import (
	"log/slog"
	"net"
	"net/http"

	"rescue-chat/contract"
	"rescue-chat/domain"
)

var _ contract.AuditLogger = (*Logger)(nil)

type Logger struct {
	log *slog.Logger
}

func NewLogger(log *slog.Logger) *Logger {
	return &Logger{log: log}
}

// Record writes one audit line. It never returns an error; audit
// failures must not fail the recorded operation.
func (l *Logger) Record(service, message string, level contract.AuditLevel, actx contract.AuditContext) {
	attrs := []any{
		"service", service,
		"actor", string(actx.Actor),
	}
	if actx.IP != "" {
		attrs = append(attrs, "ip", actx.IP)
	}
	if actx.UserAgent != "" {
		attrs = append(attrs, "user_agent", actx.UserAgent)
	}

	switch level {
	case contract.AuditError:
		l.log.Error(message, attrs...)
	case contract.AuditWarning:
		l.log.Warn(message, attrs...)
	default:
		l.log.Info(message, attrs...)
	}
}

// ContextFromRequest builds the per-request audit context once, at the
// transport boundary, so handlers thread it explicitly.
func ContextFromRequest(r *http.Request, actor domain.UserID) contract.AuditContext {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	return contract.AuditContext{
		Actor:     actor,
		IP:        ip,
		UserAgent: r.UserAgent(),
	}
}
