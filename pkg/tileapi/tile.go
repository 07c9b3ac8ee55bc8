package tileapi

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/go-openapi/swag"
	"github.com/pkg/errors"

	"github.com/jake-scott/gotile/internal/pkg/logging"
)

/*
  Tile detail payload, trimmed to the fields we expose:

{
	"result_code": 0,
	"result": {
		"tile_uuid": "19264d2dffdbca32",
		"name": "Wallet",
		"archetype": "WALLET",
		"tile_type": "TILE",
		"firmware_version": "01.12.14.0",
		"hw_version": "02.09",
		"is_dead": false,
		"visible": true,
		"last_tile_state": {
			"latitude": 51.528308,
			"longitude": -0.3817765,
			"altitude": 0.4076319168123,
			"h_accuracy": 13.496111,
			"timestamp": 1564840465000,
			"lost_timestamp": -1,
			"is_lost": false,
			"ring_state": "STOPPED",
			"voip_state": "OFFLINE"
		}
	}
}

  last_tile_state is omitted for new tiles and tiles that can't be located.
*/

type lastTileState struct {
	Latitude        *float64 `json:"latitude"`
	Longitude       *float64 `json:"longitude"`
	Altitude        *float64 `json:"altitude"`
	HAccuracy       *float64 `json:"h_accuracy"`
	Timestamp       *float64 `json:"timestamp"`
	LostTimestamp   *float64 `json:"lost_timestamp"`
	IsLost          *bool    `json:"is_lost"`
	RingState       *string  `json:"ring_state"`
	VoipState       *string  `json:"voip_state"`
	ConnectionState *string  `json:"connection_state"`
}

type tileResult struct {
	TileUUID        string         `json:"tile_uuid"`
	Name            string         `json:"name"`
	Archetype       string         `json:"archetype"`
	TileType        string         `json:"tile_type"`
	FirmwareVersion string         `json:"firmware_version"`
	HWVersion       string         `json:"hw_version"`
	IsDead          bool           `json:"is_dead"`
	Visible         bool           `json:"visible"`
	LastTileState   *lastTileState `json:"last_tile_state"`
}

type tileDetails struct {
	Result tileResult `json:"result"`
}

// Tile is a view over the last detail payload fetched for one device.
// Accessors that depend on the last known state return nil when the API
// omitted it.
type Tile struct {
	requester Requester

	mu            sync.RWMutex
	data          tileResult
	lastTimestamp *time.Time
	lostTimestamp *time.Time
}

func newTile(ctx context.Context, r Requester, data tileResult) *Tile {
	t := &Tile{requester: r}
	t.save(ctx, data)
	return t
}

// save must be called with mu held for writing, or before t is shared
func (t *Tile) save(ctx context.Context, data tileResult) {
	t.data = data
	t.lastTimestamp = nil
	t.lostTimestamp = nil

	state := data.LastTileState
	if state == nil {
		logging.Logger(ctx).Debugf("tile %s has no last_tile_state, location unavailable", data.TileUUID)
		return
	}

	if state.Timestamp != nil {
		ts := msToTime(int64(*state.Timestamp))
		t.lastTimestamp = &ts
	}
	if state.LostTimestamp != nil {
		ts := msToTime(int64(*state.LostTimestamp))
		t.lostTimestamp = &ts
	}
}

func (t *Tile) String() string {
	return fmt.Sprintf("<Tile uuid=%s name=%s>", t.UUID(), t.Name())
}

func (t *Tile) state() *lastTileState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.data.LastTileState
}

func (t *Tile) result() tileResult {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.data
}

func (t *Tile) UUID() string            { return t.result().TileUUID }
func (t *Tile) Name() string            { return t.result().Name }
func (t *Tile) Archetype() string       { return t.result().Archetype }
func (t *Tile) Kind() string            { return t.result().TileType }
func (t *Tile) FirmwareVersion() string { return t.result().FirmwareVersion }
func (t *Tile) HardwareVersion() string { return t.result().HWVersion }
func (t *Tile) Dead() bool              { return t.result().IsDead }
func (t *Tile) Visible() bool           { return t.result().Visible }

// Accuracy is the horizontal accuracy of the last location, in meters
func (t *Tile) Accuracy() *float64 {
	if s := t.state(); s != nil {
		return s.HAccuracy
	}
	return nil
}

func (t *Tile) Altitude() *float64 {
	if s := t.state(); s != nil {
		return s.Altitude
	}
	return nil
}

func (t *Tile) Latitude() *float64 {
	if s := t.state(); s != nil {
		return s.Latitude
	}
	return nil
}

func (t *Tile) Longitude() *float64 {
	if s := t.state(); s != nil {
		return s.Longitude
	}
	return nil
}

// Lost reports whether the Tile is lost.  The API drops last_tile_state when
// it can't locate a Tile, so a missing state counts as lost.
func (t *Tile) Lost() bool {
	s := t.state()
	if s == nil {
		return true
	}
	return swag.BoolValue(s.IsLost)
}

func (t *Tile) RingState() *string {
	if s := t.state(); s != nil {
		return s.RingState
	}
	return nil
}

func (t *Tile) VoipState() *string {
	if s := t.state(); s != nil {
		return s.VoipState
	}
	return nil
}

func (t *Tile) ConnectionState() *string {
	if s := t.state(); s != nil {
		return s.ConnectionState
	}
	return nil
}

// LastTimestamp is the time of the last location report
func (t *Tile) LastTimestamp() *time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastTimestamp
}

// LostTimestamp is when the Tile was last marked lost.  A Tile that was never
// lost reports -1 which converts to one millisecond before the Unix epoch.
// Consumers rely on that value, so it is passed through unchanged.
func (t *Tile) LostTimestamp() *time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lostTimestamp
}

// Refresh fetches the latest details and replaces the Tile's data in place.
func (t *Tile) Refresh(ctx context.Context) error {
	id := t.UUID()

	var details tileDetails
	if err := t.requester.Get(ctx, "tiles/"+id, nil, &details); err != nil {
		return errors.Wrapf(err, "refreshing tile %s", id)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.save(ctx, details.Result)

	return nil
}

// History fetches the Tile's location history between start and end.
func (t *Tile) History(ctx context.Context, start, end time.Time) (*History, error) {
	return getHistory(ctx, t.requester, t.UUID(), start, end)
}

func floatOrNil(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func stringOrNil(v *string) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func timeOrNil(v *time.Time) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

// AsMap exports the Tile's attributes keyed by their snake_case names.
// Absent values are nil.
func (t *Tile) AsMap() map[string]interface{} {
	return map[string]interface{}{
		"accuracy":         floatOrNil(t.Accuracy()),
		"altitude":         floatOrNil(t.Altitude()),
		"archetype":        t.Archetype(),
		"dead":             t.Dead(),
		"firmware_version": t.FirmwareVersion(),
		"hardware_version": t.HardwareVersion(),
		"kind":             t.Kind(),
		"last_timestamp":   timeOrNil(t.LastTimestamp()),
		"latitude":         floatOrNil(t.Latitude()),
		"longitude":        floatOrNil(t.Longitude()),
		"lost":             t.Lost(),
		"lost_timestamp":   timeOrNil(t.LostTimestamp()),
		"name":             t.Name(),
		"ring_state":       stringOrNil(t.RingState()),
		"uuid":             t.UUID(),
		"visible":          t.Visible(),
		"voip_state":       stringOrNil(t.VoipState()),
	}
}

type tileView struct {
	Accuracy        *float64         `json:"accuracy"`
	Altitude        *float64         `json:"altitude"`
	Archetype       string           `json:"archetype"`
	Dead            bool             `json:"dead"`
	FirmwareVersion string           `json:"firmware_version"`
	HardwareVersion string           `json:"hardware_version"`
	Kind            string           `json:"kind"`
	LastTimestamp   *strfmt.DateTime `json:"last_timestamp"`
	Latitude        *float64         `json:"latitude"`
	Longitude       *float64         `json:"longitude"`
	Lost            bool             `json:"lost"`
	LostTimestamp   *strfmt.DateTime `json:"lost_timestamp"`
	Name            string           `json:"name"`
	RingState       *string          `json:"ring_state"`
	UUID            string           `json:"uuid"`
	Visible         bool             `json:"visible"`
	VoipState       *string          `json:"voip_state"`
}

func dateTimeOrNil(v *time.Time) *strfmt.DateTime {
	if v == nil {
		return nil
	}
	dt := strfmt.DateTime(*v)
	return &dt
}

// MarshalJSON renders the same keys as AsMap
func (t *Tile) MarshalJSON() ([]byte, error) {
	v := tileView{
		Accuracy:        t.Accuracy(),
		Altitude:        t.Altitude(),
		Archetype:       t.Archetype(),
		Dead:            t.Dead(),
		FirmwareVersion: t.FirmwareVersion(),
		HardwareVersion: t.HardwareVersion(),
		Kind:            t.Kind(),
		LastTimestamp:   dateTimeOrNil(t.LastTimestamp()),
		Latitude:        t.Latitude(),
		Longitude:       t.Longitude(),
		Lost:            t.Lost(),
		LostTimestamp:   dateTimeOrNil(t.LostTimestamp()),
		Name:            t.Name(),
		RingState:       t.RingState(),
		UUID:            t.UUID(),
		Visible:         t.Visible(),
		VoipState:       t.VoipState(),
	}

	return json.Marshal(v)
}
