package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/bloXroute-Labs/meta-tx-relay/common"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// responseWriter is a minimal wrapper for http.ResponseWriter that allows the
// written HTTP status code to be captured for logging. It passes flushes
// through so the event stream works behind it.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w}
}

func (rw *responseWriter) Status() int {
	return rw.status
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}

	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
	rw.wroteHeader = true
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

//nolint:staticcheck
func (rw *responseWriter) CloseNotify() <-chan bool {
	if cn, ok := rw.ResponseWriter.(http.CloseNotifier); ok {
		return cn.CloseNotify()
	}
	return make(chan bool)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	return h.Hijack()
}

// rateLimitMiddleware is an HTTP middleware that returns an error
// in case the caller exceeds allowed limits.
func rateLimitMiddleware(logger *logrus.Entry, rl *rateLimiter, caller func(r *http.Request) (string, bool)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				id, shouldCheck := caller(r)
				if shouldCheck && !rl.canProcess(id) {
					logger.WithFields(logrus.Fields{
						"caller": id,
						"url":    r.URL.EscapedPath(),
					}).Warn("reached rate limit")
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusTooManyRequests)
					_ = json.NewEncoder(w).Encode(common.HTTPErrorResp{Code: http.StatusTooManyRequests, Message: "rate limit exceeded"})
					return
				}
				next.ServeHTTP(w, r)
			},
		)
	}
}

// rateLimitCaller limits by caller IP. Exempt IPs and the long-lived event
// stream are not counted.
func (m *RelayService) rateLimitCaller(r *http.Request) (string, bool) {
	if r.URL.Path == pathEvents || r.URL.Path == pathMetrics {
		return "", false
	}
	ip := callerIP(r)
	if exempt, ok := m.rateLimitExempt.Load(ip); ok && exempt {
		return ip, false
	}
	return ip, true
}

func callerIP(r *http.Request) string {
	addr := common.GetIPXForwardedFor(r)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// LogRequestID tags requests that carry an ?id= query parameter with a
// cookie, so activity can be attributed to an integration
func LogRequestID(log *logrus.Entry) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id, ok := r.URL.Query()["id"]; ok && len(id) > 0 {
				log.WithField("requesterId", id).Tracef("Request with id")
				r.AddCookie(&http.Cookie{Name: "id", Value: id[0]})
			}

			next.ServeHTTP(w, r)
		})
	}
}
