package tileapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/korovkin/limiter"
	"github.com/pkg/errors"

	"github.com/jake-scott/gotile/internal/pkg/logging"
)

type tileStatesResponse struct {
	Result []struct {
		TileID string `json:"tile_id"`
	} `json:"result"`
}

// GetTiles returns every Tile on the account keyed by Tile UUID.
//
// Details are fetched concurrently.  A Tile whose detail request fails with
// a *RequestError is logged and left out of the result; this covers the 500s
// the API returns for some tiles, and the 412 returned for labels, which are
// listed alongside tiles but aren't devices.
func (c *Client) GetTiles(ctx context.Context) (map[string]*Tile, error) {
	ctxLogger := logging.Logger(ctx)

	var states tileStatesResponse
	if err := c.Get(ctx, "tiles/tile_states", nil, &states); err != nil {
		return nil, errors.Wrap(err, "listing tile states")
	}

	ids := make([]string, 0, len(states.Result))
	for _, s := range states.Result {
		if s.TileID != "" {
			ids = append(ids, s.TileID)
		}
	}

	maxConcurrent := c.maxConcurrent
	if maxConcurrent <= 0 || maxConcurrent > len(ids) {
		maxConcurrent = len(ids)
	}
	if maxConcurrent == 0 {
		return map[string]*Tile{}, nil
	}

	var (
		mu    sync.Mutex
		tiles = make(map[string]*Tile, len(ids))
		fatal error
	)

	limit := limiter.NewConcurrencyLimiter(maxConcurrent)
	for _, id := range ids {
		tileID := id
		limit.ExecuteWithTicket(func(ticket int) {
			ctxLogger.Debugf("tile-fetch %d: fetching %s", ticket, tileID)
			tile, err := c.GetTile(ctx, tileID)

			mu.Lock()
			defer mu.Unlock()

			if err == nil {
				tiles[tileID] = tile
				return
			}

			if !skippable(err) {
				if fatal == nil {
					fatal = err
				}
				return
			}

			var reqErr *RequestError
			if errors.As(err, &reqErr) && reqErr.StatusCode == http.StatusPreconditionFailed {
				ctxLogger.Debugf("skipping %s, not a tile (probably a label)", tileID)
				return
			}
			ctxLogger.WithError(err).Warnf("skipping tile %s, fetching details failed", tileID)
		})
	}
	limit.Wait()

	if fatal != nil {
		return nil, fatal
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "fetching tile details")
	}

	return tiles, nil
}

// skippable reports whether a single tile's failure can be dropped from a
// collection fetch
func skippable(err error) bool {
	var re *reauthError
	if errors.As(err, &re) {
		return false
	}

	var reqErr *RequestError
	return errors.As(err, &reqErr)
}

// GetTile fetches the details of a single Tile
func (c *Client) GetTile(ctx context.Context, tileUUID string) (*Tile, error) {
	var details tileDetails
	if err := c.Get(ctx, "tiles/"+tileUUID, nil, &details); err != nil {
		return nil, errors.Wrapf(err, "fetching tile %s", tileUUID)
	}

	return newTile(ctx, c, details.Result), nil
}

// History is a Tile's location history for a time window.  The result is
// passed through as the API returned it.
type History struct {
	TileUUID string          `json:"tile_uuid"`
	Start    time.Time       `json:"start"`
	End      time.Time       `json:"end"`
	Result   json.RawMessage `json:"result"`
}

// GetHistory fetches the location history of a Tile between start and end
func (c *Client) GetHistory(ctx context.Context, tileUUID string, start, end time.Time) (*History, error) {
	return getHistory(ctx, c, tileUUID, start, end)
}

func timeToMs(t time.Time) string {
	return strconv.FormatInt(t.UnixNano()/int64(time.Millisecond), 10)
}

func getHistory(ctx context.Context, r Requester, tileUUID string, start, end time.Time) (*History, error) {
	if end.Before(start) {
		return nil, errors.Errorf("history window ends (%s) before it starts (%s)", end, start)
	}

	query := url.Values{}
	query.Set("start_ts_in_millis", timeToMs(start))
	query.Set("end_ts_in_millis", timeToMs(end))

	var resp struct {
		Result json.RawMessage `json:"result"`
	}
	if err := r.Get(ctx, "tiles/location/history/"+tileUUID, query, &resp); err != nil {
		return nil, errors.Wrapf(err, "fetching location history for tile %s", tileUUID)
	}

	return &History{
		TileUUID: tileUUID,
		Start:    start.UTC(),
		End:      end.UTC(),
		Result:   resp.Result,
	}, nil
}
