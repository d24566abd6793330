package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "Monad-Automation/internal/errors"
	"Monad-Automation/internal/observability/metrics"
	"Monad-Automation/pkg/logger"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError 按错误码映射 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	writeJSON(w, statusFor(err), errorBody{Code: string(code), Message: err.Error()})
}

func statusFor(err error) int {
	switch {
	case xerrors.HasCode(err, xerrors.CodeNotFound), xerrors.HasCode(err, xerrors.CodeWalletNotFound):
		return http.StatusNotFound
	case xerrors.HasCode(err, xerrors.CodeInvalidArgument), xerrors.HasCode(err, xerrors.CodeTaskConfiguration),
		xerrors.HasCode(err, xerrors.CodeWalletInvalid):
		return http.StatusBadRequest
	case xerrors.HasCode(err, xerrors.CodeConflict), xerrors.HasCode(err, xerrors.CodeWalletExists):
		return http.StatusConflict
	case xerrors.HasCode(err, xerrors.CodeInitializationFailure):
		return http.StatusServiceUnavailable
	case xerrors.HasCode(err, xerrors.CodeConnection):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func unavailable(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusServiceUnavailable, errorBody{Code: string(xerrors.CodeInitializationFailure), Message: message})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeJSON(w, http.StatusMethodNotAllowed, errorBody{Code: string(xerrors.CodeInvalidArgument), Message: "仅支持 " + strings.Join(allowed, "/")})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 记录每个路由的请求数、错误数与耗时。
func instrument(name string, fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		elapsed := time.Since(start)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, elapsed)
		if rec.status >= http.StatusInternalServerError {
			logger.Named("api").Warn("请求处理失败",
				slog.String("route", name),
				slog.String("method", r.Method),
				slog.Int("status", rec.status),
				slog.Duration("elapsed", elapsed))
		}
	})
}
