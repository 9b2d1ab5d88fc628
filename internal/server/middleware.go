package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dehimb/matchpool/internal/pool"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// CallerHeader carries the caller identity, verified upstream.
const CallerHeader = "X-Caller-Identity"

type contextKey int

const callerKey contextKey = 0

// Middlewares functions works like interceptors for every http request.
// Methods provides ability to stop or propagate request to the chain.
type middleware struct {
	logger *logrus.Logger
}

type MiddlewareDispatcher interface {
	populate() []mux.MiddlewareFunc
}

// IsIdentityValid only checks shape; verification happens before the
// request reaches this service.
func IsIdentityValid(identity string) bool {
	return len(identity) > 0 && strings.TrimSpace(identity) == identity
}

func callerFrom(r *http.Request) pool.Identity {
	id, _ := r.Context().Value(callerKey).(pool.Identity)
	return id
}

// This method used to check preflight requests
func (m *middleware) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Used for loggin request method, url and execution time.
// Log only when log level set to logrus.InfoLevel or higher.
func (m *middleware) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.logger.Level >= logrus.InfoLevel {
			start := time.Now()
			m.logger.Infof("-> %s %s", r.Method, r.URL)
			if m.logger.Level >= logrus.DebugLevel && (r.Method == http.MethodPost || r.Method == http.MethodPut) {
				body, _ := io.ReadAll(r.Body)
				m.logger.Debug("Body: ", string(body))
				r.Body = io.NopCloser(bytes.NewBuffer(body))
			}
			next.ServeHTTP(w, r)
			m.logger.Infof("<-  %s %s %s", time.Since(start), r.Method, r.URL)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Rejects requests without a caller identity and stores it in the context.
func (m *middleware) checkIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := r.Header.Get(CallerHeader)
		if !IsIdentityValid(identity) {
			sendErrorResponse(w, "Missing caller identity", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), callerKey, pool.Identity(identity))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Method used for providing all middlewares at one place
// Declare all midlwares and add them to return array
func (m *middleware) populate() []mux.MiddlewareFunc {
	return []mux.MiddlewareFunc{
		m.logRequest,
		m.cors,
		handlers.CORS(
			handlers.AllowedOrigins([]string{"*"}),
			handlers.AllowedHeaders([]string{"Content-Type", CallerHeader}),
		),
		m.checkIdentity,
	}
}
