package tileapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	testClientUUID = "2cc56adc-b96a-4293-9b94-eda716e0aa17"
	testEmail      = "user@email.com"
	testPassword   = "12345"
	testUserUUID   = "fd0c10a5-d0f7-4619-9bce-5b2cb7a6754b"
	testTileUUID   = "19264d2dffdbca32"
	testKeysUUID   = "41a6f5d2c1e0b7a9"
	testLabelUUID  = "c8a8b3e0d7f94a11"
)

func loadFixture(t *testing.T, name string) []byte {
	t.Helper()
	b, err := ioutil.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("reading fixture %s: %v", name, err)
	}
	return b
}

func sessionPayload(userUUID string, expiry time.Time) []byte {
	return []byte(fmt.Sprintf(`{
  "version": 1,
  "revision": 1,
  "result_code": 0,
  "result": {
    "client_uuid": %q,
    "user": {"user_uuid": %q, "email": %q, "locale": "en-US", "status": "ACTIVATED"},
    "session_start_timestamp": %d,
    "session_expiration_timestamp": %d,
    "changes": "EXISTING_ACCOUNT"
  }
}`, testClientUUID, userUUID, testEmail, time.Now().UnixNano()/1e6, expiry.UnixNano()/1e6))
}

type fakeResponse struct {
	status int
	body   []byte
}

// fakeTile mimics the parts of the Tile API the client talks to
type fakeTile struct {
	t *testing.T

	mu            sync.Mutex
	clientPuts    int
	sessionPosts  int
	clientStatus  int
	sessionStatus int
	expiries      []time.Time
	userUUIDs     []string
	client        fakeResponse
	states        fakeResponse
	details       map[string]fakeResponse
	history       fakeResponse
	lastHeaders   http.Header
	lastQuery     url.Values
	clientForm    url.Values
	sessionForm   url.Values
}

func newFakeTile(t *testing.T) *fakeTile {
	return &fakeTile{
		t:         t,
		expiries:  []time.Time{time.Now().Add(time.Hour)},
		userUUIDs: []string{testUserUUID},
		client:    fakeResponse{body: loadFixture(t, "create_client_response.json")},
		states:    fakeResponse{body: loadFixture(t, "tile_states_response.json")},
		details: map[string]fakeResponse{
			testTileUUID:  {body: loadFixture(t, "tile_details_response.json")},
			testKeysUUID:  {body: loadFixture(t, "tile_details_missing_last_state_response.json")},
			testLabelUUID: {status: http.StatusPreconditionFailed},
		},
		history: fakeResponse{body: loadFixture(t, "tile_history_response.json")},
	}
}

// serve starts the fake and returns its API base URL
func (f *fakeTile) serve() string {
	server := httptest.NewServer(f)
	f.t.Cleanup(server.Close)
	return server.URL + "/api/v1"
}

// start serves the fake and returns a client pointed at it
func (f *fakeTile) start(opts ...Option) *Client {
	opts = append([]Option{WithClientUUID(testClientUUID), WithBaseURL(f.serve())}, opts...)
	return NewClient(testEmail, testPassword, opts...)
}

func (f *fakeTile) login(opts ...Option) *Client {
	f.t.Helper()
	c := f.start(opts...)
	if err := c.Init(context.Background()); err != nil {
		f.t.Fatalf("Init returned error: %v", err)
	}
	return c
}

func (f *fakeTile) setDetail(id string, resp fakeResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.details[id] = resp
}

func (f *fakeTile) setSessionStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionStatus = status
}

func (f *fakeTile) counts() (puts, posts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clientPuts, f.sessionPosts
}

func pick(n int, expiries []time.Time) time.Time {
	if n >= len(expiries) {
		return expiries[len(expiries)-1]
	}
	return expiries[n]
}

func pickString(n int, values []string) string {
	if n >= len(values) {
		return values[len(values)-1]
	}
	return values[n]
}

func write(w http.ResponseWriter, resp fakeResponse) {
	w.Header().Set("Content-Type", "application/json")
	status := resp.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.body)
}

func (f *fakeTile) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastHeaders = r.Header.Clone()
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/")

	switch {
	case r.Method == http.MethodPut && strings.HasPrefix(path, "clients/"):
		_ = r.ParseForm()
		f.clientForm = r.PostForm
		f.clientPuts++
		if f.clientStatus != 0 {
			w.WriteHeader(f.clientStatus)
			return
		}
		write(w, f.client)

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/sessions"):
		_ = r.ParseForm()
		f.sessionForm = r.PostForm
		n := f.sessionPosts
		f.sessionPosts++
		if f.sessionStatus != 0 {
			w.WriteHeader(f.sessionStatus)
			return
		}
		write(w, fakeResponse{body: sessionPayload(pickString(n, f.userUUIDs), pick(n, f.expiries))})

	case r.Method == http.MethodGet && path == "tiles/tile_states":
		write(w, f.states)

	case r.Method == http.MethodGet && strings.HasPrefix(path, "tiles/location/history/"):
		f.lastQuery = r.URL.Query()
		write(w, f.history)

	case r.Method == http.MethodGet && strings.HasPrefix(path, "tiles/"):
		resp, ok := f.details[strings.TrimPrefix(path, "tiles/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		write(w, resp)

	default:
		http.NotFound(w, r)
	}
}

// stubRequester replays canned detail payloads
type stubRequester struct {
	mu        sync.Mutex
	bodies    [][]byte
	calls     int
	err       error
	endpoints []string
}

func (s *stubRequester) Get(ctx context.Context, endpoint string, query url.Values, dest interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.endpoints = append(s.endpoints, endpoint)
	if s.err != nil {
		return s.err
	}

	body := s.bodies[len(s.bodies)-1]
	if s.calls < len(s.bodies) {
		body = s.bodies[s.calls]
	}
	s.calls++

	return json.Unmarshal(body, dest)
}

func decodeDetails(t *testing.T, name string) tileResult {
	t.Helper()
	var d tileDetails
	if err := json.Unmarshal(loadFixture(t, name), &d); err != nil {
		t.Fatalf("decoding %s: %v", name, err)
	}
	return d.Result
}
