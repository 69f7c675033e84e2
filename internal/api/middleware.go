package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/rycode-ai/authcore/internal/credential"
	"github.com/rycode-ai/authcore/internal/manager"
	"github.com/rycode-ai/authcore/internal/validate"
)

// ErrorResp is a standard error response body.
type ErrorResp struct {
	Detail    string `json:"detail"`
	Reason    string `json:"reason,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Hint      string `json:"hint,omitempty"`
	HelpURL   string `json:"help_url,omitempty"`
}

// --- JSON helpers ---

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// readJSON decodes a JSON request body into the given pointer.
func readJSON(r *http.Request, v interface{}) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}

// writeError maps the manager's error taxonomy onto HTTP responses. A
// rate-limited failure carries a Retry-After header.
func (d *Dependencies) writeError(w http.ResponseWriter, err error) {
	var authErr *manager.AuthError
	if errors.As(err, &authErr) {
		resp := ErrorResp{
			Detail:    authErr.Message,
			Reason:    string(authErr.Reason),
			Retryable: authErr.Retryable(),
		}
		if hinted := hintFrom(err); hinted != nil {
			resp.Hint = hinted.Hint
			resp.HelpURL = hinted.HelpURL
		}
		status := statusFor(authErr.Reason)
		if authErr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(authErr.RetryAfter.Seconds()+0.5)))
		}
		writeJSON(w, status, resp)
		return
	}

	var storageErr *credential.StorageError
	if errors.As(err, &storageErr) {
		d.Logger.Error("storage failure", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "credential storage failure"})
		return
	}

	d.Logger.Error("unhandled error", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: err.Error()})
}

// hintFrom surfaces the structured validation hint when one is buried in
// the error chain.
func hintFrom(err error) *validate.Error {
	var valErr *validate.Error
	if errors.As(err, &valErr) {
		return valErr
	}
	return nil
}

func statusFor(reason manager.Reason) int {
	switch reason {
	case manager.ReasonInvalidKey, manager.ReasonExpired:
		return http.StatusUnauthorized
	case manager.ReasonForbidden:
		return http.StatusForbidden
	case manager.ReasonRateLimited:
		return http.StatusTooManyRequests
	case manager.ReasonValidationFailed:
		return http.StatusBadRequest
	case manager.ReasonTimeout:
		return http.StatusGatewayTimeout
	case manager.ReasonServerError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// --- Request logging ---

func requestLogging(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// --- CORS ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
