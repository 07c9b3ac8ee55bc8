package middlewares

import (
	"net/http"
	"regexp"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/jake-scott/gotile/internal/pkg/logging"
)

var correlationIDRegexp = regexp.MustCompile(`^[\w-]{3,64}$`)

// CorrelationMw echoes the caller's correlation ID, minting one when the
// request has none, and tags the request's log entries with it.
type CorrelationMw struct {
	headerName string
	next       http.Handler
}

func NewCorrelationMw(headerName string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return NewCorrelation(headerName, next)
	}
}

func NewCorrelation(headerName string, next http.Handler) *CorrelationMw {
	return &CorrelationMw{headerName: http.CanonicalHeaderKey(headerName), next: next}
}

func (mw *CorrelationMw) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	id := mw.correlationID(r)

	rw.Header().Set(mw.headerName, id)
	r = r.WithContext(logging.WithCorrelationID(r.Context(), id))

	mw.next.ServeHTTP(rw, r)
}

func (mw *CorrelationMw) correlationID(r *http.Request) string {
	ids, ok := r.Header[mw.headerName]
	if !ok || len(ids) == 0 {
		return uuid.New().String()
	}

	if correlationIDRegexp.MatchString(ids[0]) {
		return ids[0]
	}

	logging.Logger(r.Context()).Debugf("replacing malformed correlation id %q", ids[0])
	return uuid.New().String()
}
