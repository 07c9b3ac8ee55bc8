package handlers

import (
	"encoding/json"
	"net/http"

	oaerrors "github.com/go-openapi/errors"
	"github.com/go-openapi/runtime"
	"github.com/go-openapi/runtime/middleware/header"

	"github.com/jake-scott/gotile/internal/pkg/logging"
)

// acceptsJSON writes a 406 and returns false if the caller's Accept header
// rules out a JSON response.  A missing header accepts anything.
func acceptsJSON(w http.ResponseWriter, r *http.Request) bool {
	specs := header.ParseAccept(r.Header, "Accept")
	if len(specs) == 0 {
		return true
	}

	for _, spec := range specs {
		if spec.Q == 0 {
			continue
		}
		switch spec.Value {
		case runtime.JSONMime, "application/*", "*/*":
			return true
		}
	}

	oaerrors.ServeError(w, r, oaerrors.New(http.StatusNotAcceptable, "only %s responses are available", runtime.JSONMime))
	return false
}

func sendJSONResponse(w http.ResponseWriter, r *http.Request, d interface{}) {
	w.Header().Set("Content-Type", runtime.JSONMime)

	enc := json.NewEncoder(w)
	if err := enc.Encode(d); err != nil {
		logging.Logger(r.Context()).WithError(err).Error("sending json response")
	}
}
