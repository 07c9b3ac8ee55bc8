package middlewares

import (
	"net/http"
	"runtime/debug"

	oaerrors "github.com/go-openapi/errors"
	"github.com/gorilla/mux"

	"github.com/jake-scott/gotile/internal/pkg/logging"
)

// RecoveryMw turns a handler panic into a 500 response.  The body uses the
// same {"code","message"} JSON shape as the bridge's other error responses,
// so clients parse one error format whatever failed.
type RecoveryMw struct {
	next http.Handler
}

func NewRecoveryMw() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return NewRecovery(next)
	}
}

func NewRecovery(next http.Handler) *RecoveryMw {
	return &RecoveryMw{next: next}
}

func (mw *RecoveryMw) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	defer func() {
		if err := recover(); err != nil {
			logging.Logger(r.Context()).Errorf("caught panic: %v : %s", err, debug.Stack())

			oaerrors.ServeError(rw, r, oaerrors.New(http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)))
		}
	}()

	mw.next.ServeHTTP(rw, r)
}
