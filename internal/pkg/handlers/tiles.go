package handlers

import (
	"context"
	"net/http"
	"time"

	oaerrors "github.com/go-openapi/errors"
	"github.com/go-openapi/swag"
	"github.com/go-openapi/validate"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/jake-scott/gotile/internal/pkg/logging"
	"github.com/jake-scott/gotile/pkg/tileapi"
)

/*
 * TilesHandler exposes the account's Tiles as read-only JSON resources:
 *
 *   GET /tiles                             all tiles keyed by UUID
 *   GET /tiles/{id}                        one tile
 *   GET /tiles/{id}/history?start=&end=    location history, ms epoch bounds
 *
 * Nothing is cached; every request is passed through to the Tile API.
 */

const defaultHistoryWindow = 24 * time.Hour

// TileSource is the subset of *tileapi.Client the bridge needs
type TileSource interface {
	GetTiles(ctx context.Context) (map[string]*tileapi.Tile, error)
	GetTile(ctx context.Context, tileUUID string) (*tileapi.Tile, error)
	GetHistory(ctx context.Context, tileUUID string, start, end time.Time) (*tileapi.History, error)
}

type TilesHandler struct {
	source TileSource
	now    func() time.Time
}

func NewTilesHandler(source TileSource) *TilesHandler {
	return &TilesHandler{source: source, now: time.Now}
}

// Register adds the tile routes to r
func (h *TilesHandler) Register(r *mux.Router) {
	r.HandleFunc("/tiles", h.listTiles).Methods(http.MethodGet)
	r.HandleFunc("/tiles/{id}", h.getTile).Methods(http.MethodGet)
	r.HandleFunc("/tiles/{id}/history", h.getHistory).Methods(http.MethodGet)
}

func (h *TilesHandler) listTiles(w http.ResponseWriter, r *http.Request) {
	if !acceptsJSON(w, r) {
		return
	}

	tiles, err := h.source.GetTiles(r.Context())
	if err != nil {
		sendError(w, r, err)
		return
	}

	logging.Logger(r.Context()).Debugf("returning %d tiles", len(tiles))
	sendJSONResponse(w, r, tiles)
}

func (h *TilesHandler) getTile(w http.ResponseWriter, r *http.Request) {
	if !acceptsJSON(w, r) {
		return
	}

	tile, err := h.source.GetTile(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		sendError(w, r, err)
		return
	}

	sendJSONResponse(w, r, tile)
}

func (h *TilesHandler) getHistory(w http.ResponseWriter, r *http.Request) {
	if !acceptsJSON(w, r) {
		return
	}

	start, end, err := h.historyWindow(r)
	if err != nil {
		oaerrors.ServeError(w, r, err)
		return
	}

	history, err := h.source.GetHistory(r.Context(), mux.Vars(r)["id"], start, end)
	if err != nil {
		sendError(w, r, err)
		return
	}

	sendJSONResponse(w, r, history)
}

// msParam parses an optional millisecond epoch query parameter
func msParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}

	ms, err := swag.ConvertInt64(raw)
	if err != nil {
		return nil, oaerrors.InvalidType(name, "query", "int64", raw)
	}
	if verr := validate.MinimumInt(name, "query", ms, 0, false); verr != nil {
		return nil, verr
	}

	t := time.Unix(0, ms*int64(time.Millisecond)).UTC()
	return &t, nil
}

// historyWindow defaults to the day before end, and end to now
func (h *TilesHandler) historyWindow(r *http.Request) (time.Time, time.Time, error) {
	startP, err := msParam(r, "start")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	endP, err := msParam(r, "end")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	end := h.now().UTC()
	if endP != nil {
		end = *endP
	}
	start := end.Add(-defaultHistoryWindow)
	if startP != nil {
		start = *startP
	}

	if end.Before(start) {
		return time.Time{}, time.Time{}, oaerrors.New(http.StatusBadRequest, "end (%s) is before start (%s)", end, start)
	}

	return start, end, nil
}

// sendError maps library errors onto bridge responses.  Failures talking to
// the Tile API are the bridge's upstream failing, hence 502.
func sendError(w http.ResponseWriter, r *http.Request, err error) {
	ctxLogger := logging.Logger(r.Context()).WithError(err)

	var (
		authErr    *tileapi.InvalidAuthError
		expiredErr *tileapi.SessionExpiredError
		reqErr     *tileapi.RequestError
	)

	switch {
	case errors.As(err, &authErr):
		ctxLogger.Error("tile account rejected")
		oaerrors.ServeError(w, r, oaerrors.New(http.StatusBadGateway, "tile account credentials rejected"))

	case errors.As(err, &expiredErr):
		ctxLogger.Warn("tile session expired")
		oaerrors.ServeError(w, r, oaerrors.New(http.StatusServiceUnavailable, "tile session expired"))

	case errors.As(err, &reqErr) && (reqErr.StatusCode == http.StatusNotFound || reqErr.StatusCode == http.StatusPreconditionFailed):
		ctxLogger.Debug("tile not found")
		oaerrors.ServeError(w, r, oaerrors.NotFound("tile %s not found", mux.Vars(r)["id"]))

	case errors.Is(err, context.DeadlineExceeded):
		ctxLogger.Warn("tile api timed out")
		oaerrors.ServeError(w, r, oaerrors.New(http.StatusGatewayTimeout, "tile api timed out"))

	case errors.As(err, &reqErr):
		ctxLogger.Warn("tile api request failed")
		oaerrors.ServeError(w, r, oaerrors.New(http.StatusBadGateway, "tile api request failed"))

	default:
		ctxLogger.Error("handling tile request")
		oaerrors.ServeError(w, r, err)
	}
}
