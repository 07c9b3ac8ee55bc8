package middlewares

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/jake-scott/gotile/internal/pkg/logging"
)

// TxnIDHeader carries the per-request transaction ID back to the caller
const TxnIDHeader = "X-Txn-ID"

// statusRecorder captures the status and size of a response, and optionally
// logs the body as it is written
type statusRecorder struct {
	http.ResponseWriter

	ctx         context.Context
	status      int
	size        int
	logBody     bool
	wroteHeader bool
}

func (rec *statusRecorder) WriteHeader(status int) {
	if !rec.wroteHeader {
		rec.status = status
		rec.wroteHeader = true
	}
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	if !rec.wroteHeader {
		rec.WriteHeader(http.StatusOK)
		if rec.logBody {
			logging.Logger(rec.ctx).Debugf("response headers: %+v", rec.Header())
		}
	}

	n, err := rec.ResponseWriter.Write(b)
	rec.size += n

	if err == nil && rec.logBody {
		logging.Logger(rec.ctx).Debugf("wrote %d bytes: %s", n, b[:n])
	}
	return n, err
}

// bodyLogger logs request body reads
type bodyLogger struct {
	io.ReadCloser
	ctx context.Context
}

func (bl bodyLogger) Read(b []byte) (int, error) {
	n, err := bl.ReadCloser.Read(b)
	if n > 0 {
		logging.Logger(bl.ctx).Debugf("read %d bytes: %s", n, b[:n])
	}
	return n, err
}

// LoggingMw assigns every request a transaction ID and writes an audit line
// once the response is complete
type LoggingMw struct {
	logBodies bool
	next      http.Handler
}

func NewLoggingMw(logBodies bool) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return NewLogging(logBodies, next)
	}
}

func NewLogging(logBodies bool, next http.Handler) *LoggingMw {
	return &LoggingMw{next: next, logBodies: logBodies}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return ""
}

func (mw *LoggingMw) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	txnID := uuid.New().String()
	start := time.Now()

	// before anything writes the body
	rw.Header().Set(TxnIDHeader, txnID)

	r = r.WithContext(logging.WithTxnID(r.Context(), txnID))

	if mw.logBodies {
		logging.Logger(r.Context()).Debugf("request headers: %+v", r.Header)
		if r.Body != nil {
			r.Body = bodyLogger{ReadCloser: r.Body, ctx: r.Context()}
		}
	}

	rec := &statusRecorder{ResponseWriter: rw, ctx: r.Context(), status: http.StatusOK, logBody: mw.logBodies}
	mw.next.ServeHTTP(rec, r)

	entry := logging.Logger(r.Context()).WithFields(logrus.Fields{
		"entrytype": "audit",
		"status":    rec.status,
		"method":    r.Method,
		"proto":     r.Proto,
		"host":      r.Host,
		"remote":    r.RemoteAddr,
		"start":     start.Format(time.RFC3339Nano),
		"duration":  time.Since(start),
		"path":      r.URL.String(),
		"route":     routeTemplate(r),
		"size":      rec.size,
	})

	if rec.status >= http.StatusInternalServerError {
		entry.Warn(http.StatusText(rec.status))
		return
	}
	entry.Info(http.StatusText(rec.status))
}
