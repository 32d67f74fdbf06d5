// Based on flashbots/go-utils httplogger, with the caller address, user
// agent and a JSON body on handler panics.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/bloXroute-Labs/meta-tx-relay/common"
	"github.com/sirupsen/logrus"
)

// quietPaths are polled often and only logged when they fail
var quietPaths = map[string]bool{
	pathStatus:  true,
	pathMetrics: true,
}

// LoggingMiddlewareLogrus logs each request with its status and duration.
// Long-lived event streams are logged when they close.
func LoggingMiddlewareLogrus(logger *logrus.Entry, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := wrapResponseWriter(w)

		defer func() {
			if err := recover(); err != nil {
				logger.WithFields(logrus.Fields{
					"err":    err,
					"trace":  string(debug.Stack()),
					"method": r.Method,
				}).Error(fmt.Sprintf("http request panic: %s %s", r.Method, r.URL.EscapedPath()))

				wrapped.Header().Set("Content-Type", "application/json")
				wrapped.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(wrapped).Encode(common.HTTPErrorResp{Code: http.StatusInternalServerError, Message: "internal server error"})
			}
		}()

		next.ServeHTTP(wrapped, r)

		statusCode := wrapped.Status()
		path := r.URL.EscapedPath()
		endpointLog := logger.WithFields(logrus.Fields{
			"status":        statusCode,
			"method":        r.Method,
			"path":          path,
			"remoteAddress": callerIP(r),
			"userAgent":     r.UserAgent(),
			"duration":      time.Since(start).Seconds(),
		})

		urlInfo := fmt.Sprintf("http: %s %s %d", r.Method, path, statusCode)
		switch {
		case path == pathEvents:
			endpointLog.Debug("event stream closed")
		case statusCode < http.StatusMultipleChoices && quietPaths[path]:
		case statusCode < http.StatusMultipleChoices:
			endpointLog.Trace(urlInfo)
		case statusCode < http.StatusInternalServerError:
			endpointLog.Debug(urlInfo)
		default:
			endpointLog.Warn(urlInfo)
		}
	})
}
