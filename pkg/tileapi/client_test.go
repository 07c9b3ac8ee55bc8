package tileapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestLogin_RecordsUserAndExpiry(t *testing.T) {
	f := newFakeTile(t)
	expiry := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	f.expiries = []time.Time{expiry}

	c := f.login()

	if got := c.UserUUID(); got != testUserUUID {
		t.Fatalf("UserUUID = %q, want %q", got, testUserUUID)
	}
	if got := c.SessionExpiry(); !got.Equal(expiry) {
		t.Fatalf("SessionExpiry = %s, want %s", got, expiry)
	}
	if got := c.SessionExpiry().Location(); got != time.UTC {
		t.Fatalf("SessionExpiry location = %s, want UTC", got)
	}

	if f.clientForm.Get("app_id") != DefaultAppID ||
		f.clientForm.Get("app_version") != DefaultAppVersion ||
		f.clientForm.Get("locale") != DefaultLocale {
		t.Fatalf("client registration form = %v, want app id, version and locale", f.clientForm)
	}
	if f.sessionForm.Get("email") != testEmail || f.sessionForm.Get("password") != testPassword {
		t.Fatalf("session form = %v, want email and password", f.sessionForm)
	}
}

func TestLogin_GeneratesClientUUID(t *testing.T) {
	f := newFakeTile(t)
	generated := NewClient(testEmail, testPassword, WithBaseURL(f.serve()))
	if err := generated.Init(context.Background()); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}

	if generated.ClientUUID == testClientUUID {
		t.Fatalf("ClientUUID = %q, want a generated one", generated.ClientUUID)
	}
	if _, err := uuid.Parse(generated.ClientUUID); err != nil {
		t.Fatalf("ClientUUID %q is not a UUID: %v", generated.ClientUUID, err)
	}
}

func TestLogin_UsesSuppliedClientUUIDAndLocale(t *testing.T) {
	f := newFakeTile(t)
	c := f.login(WithLocale("en-GB"))

	if c.ClientUUID != testClientUUID {
		t.Fatalf("ClientUUID = %q, want %q", c.ClientUUID, testClientUUID)
	}
	if got := f.clientForm.Get("locale"); got != "en-GB" {
		t.Fatalf("locale = %q, want en-GB", got)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	f := newFakeTile(t)
	f.sessionStatus = http.StatusUnauthorized
	base := f.serve()

	c, err := Login(context.Background(), testEmail, "wrong", WithClientUUID(testClientUUID), WithBaseURL(base))
	if err == nil {
		t.Fatalf("Login returned nil error, want InvalidAuthError")
	}
	if c != nil {
		t.Fatalf("Login returned a client with an error")
	}

	var authErr *InvalidAuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Login error = %T %v, want *InvalidAuthError", err, err)
	}
	if authErr.Email != testEmail {
		t.Fatalf("InvalidAuthError.Email = %q, want %q", authErr.Email, testEmail)
	}
}

func TestLogin_ClientRegistrationUnauthorized(t *testing.T) {
	f := newFakeTile(t)
	f.clientStatus = http.StatusUnauthorized
	c := f.start()

	err := c.Init(context.Background())
	var authErr *InvalidAuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Init error = %v, want *InvalidAuthError", err)
	}
	if _, posts := f.counts(); posts != 0 {
		t.Fatalf("session posts = %d, want 0 after a failed registration", posts)
	}
}

func TestLogin_ServerErrorIsRequestError(t *testing.T) {
	f := newFakeTile(t)
	f.sessionStatus = http.StatusInternalServerError
	c := f.start()

	err := c.Init(context.Background())

	var authErr *InvalidAuthError
	if errors.As(err, &authErr) {
		t.Fatalf("Init error = %v, want a RequestError not InvalidAuthError", err)
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("Init error = %v, want RequestError with status 500", err)
	}
}

func TestLogin_ValidatesCredentialsBeforeRequests(t *testing.T) {
	f := newFakeTile(t)
	base := f.serve()

	cases := []struct {
		name     string
		email    string
		password string
	}{
		{"missing email", "", testPassword},
		{"malformed email", "not-an-email", testPassword},
		{"missing password", testEmail, ""},
	}

	for _, tc := range cases {
		c, err := Login(context.Background(), tc.email, tc.password, WithBaseURL(base))
		if c != nil {
			t.Fatalf("%s: Login returned a client", tc.name)
		}
		var authErr *InvalidAuthError
		if !errors.As(err, &authErr) {
			t.Fatalf("%s: Login error = %T %v, want *InvalidAuthError", tc.name, err, err)
		}
		if authErr.Email != tc.email {
			t.Fatalf("%s: InvalidAuthError.Email = %q, want %q", tc.name, authErr.Email, tc.email)
		}
	}

	if puts, posts := f.counts(); puts != 0 || posts != 0 {
		t.Fatalf("requests made = %d puts, %d posts, want none", puts, posts)
	}
}

func TestLogin_OpaqueClientID(t *testing.T) {
	f := newFakeTile(t)
	base := f.serve()

	c, err := Login(context.Background(), testEmail, testPassword,
		WithClientUUID("my-home-assistant-client"), WithBaseURL(base))
	if err != nil {
		t.Fatalf("Login returned error: %v", err)
	}

	if c.ClientUUID != "my-home-assistant-client" {
		t.Fatalf("ClientUUID = %q, want my-home-assistant-client", c.ClientUUID)
	}
	if got := f.lastHeaders.Get("Tile_client_uuid"); got != "my-home-assistant-client" {
		t.Fatalf("Tile_client_uuid header = %q, want my-home-assistant-client", got)
	}
	if puts, posts := f.counts(); puts != 1 || posts != 1 {
		t.Fatalf("requests = %d puts, %d posts, want 1 of each", puts, posts)
	}
}

func TestLogin_SessionWithoutUserUUID(t *testing.T) {
	f := newFakeTile(t)
	f.userUUIDs = []string{""}
	c := f.start()

	err := c.Init(context.Background())

	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("Init error = %T %v, want *RequestError", err, err)
	}
	if !strings.Contains(err.Error(), "no user_uuid") {
		t.Fatalf("Init error = %v, want a missing user_uuid error", err)
	}
	if c.UserUUID() != "" {
		t.Fatalf("UserUUID = %q, want empty", c.UserUUID())
	}
}

func TestInit_UserUUIDFirstWriteWins(t *testing.T) {
	f := newFakeTile(t)
	f.userUUIDs = []string{testUserUUID, "00000000-0000-0000-0000-000000000000"}
	c := f.login()

	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("second Init returned error: %v", err)
	}

	if got := c.UserUUID(); got != testUserUUID {
		t.Fatalf("UserUUID = %q, want %q", got, testUserUUID)
	}
	puts, posts := f.counts()
	if puts != 1 || posts != 2 {
		t.Fatalf("requests = %d puts, %d posts, want 1 put and 2 posts", puts, posts)
	}
}

func TestRequest_SendsIdentificationHeaders(t *testing.T) {
	f := newFakeTile(t)
	c := f.login()

	if err := c.Get(context.Background(), "tiles/tile_states", nil, nil); err != nil {
		t.Fatalf("Get returned error: %v", err)
	}

	want := map[string]string{
		"Tile_app_id":      DefaultAppID,
		"Tile_app_version": DefaultAppVersion,
		"tile_api_version": DefaultAPIVersion,
		"Tile_client_uuid": testClientUUID,
		"User-Agent":       "Tile/4774 CFNetwork/1312 Darwin/21.0.0",
	}
	for k, v := range want {
		if got := f.lastHeaders.Get(k); got != v {
			t.Fatalf("header %s = %q, want %q", k, got, v)
		}
	}
}

func TestRequest_ExpiredSessionRefreshesOnce(t *testing.T) {
	f := newFakeTile(t)
	f.expiries = []time.Time{time.Now().Add(-time.Second), time.Now().Add(time.Hour)}
	c := f.login()

	var states tileStatesResponse
	if err := c.Get(context.Background(), "tiles/tile_states", nil, &states); err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if len(states.Result) != 3 {
		t.Fatalf("tile states = %d, want 3", len(states.Result))
	}

	puts, posts := f.counts()
	if puts != 1 || posts != 2 {
		t.Fatalf("requests = %d puts, %d posts, want 1 put and 2 posts", puts, posts)
	}
	if !c.SessionExpiry().After(time.Now()) {
		t.Fatalf("SessionExpiry = %s, want a future expiry", c.SessionExpiry())
	}
}

func TestRequest_ConcurrentExpiryLogsInOnce(t *testing.T) {
	f := newFakeTile(t)
	f.expiries = []time.Time{time.Now().Add(-time.Second), time.Now().Add(time.Hour)}
	c := f.login()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Get(context.Background(), "tiles/tile_states", nil, nil)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Get returned error: %v", err)
		}
	}
	if _, posts := f.counts(); posts != 2 {
		t.Fatalf("session posts = %d, want 2", posts)
	}
}

func TestRequest_ExpiryFailPolicy(t *testing.T) {
	f := newFakeTile(t)
	f.expiries = []time.Time{time.Now().Add(-time.Second)}
	c := f.login(WithExpiryPolicy(ExpiryFail))

	err := c.Get(context.Background(), "tiles/tile_states", nil, nil)
	var expErr *SessionExpiredError
	if !errors.As(err, &expErr) {
		t.Fatalf("Get error = %v, want *SessionExpiredError", err)
	}
	if _, posts := f.counts(); posts != 1 {
		t.Fatalf("session posts = %d, want 1", posts)
	}
}

func TestRequest_ReloginRejected(t *testing.T) {
	f := newFakeTile(t)
	f.expiries = []time.Time{time.Now().Add(-time.Second)}
	c := f.login()
	f.setSessionStatus(http.StatusUnauthorized)

	err := c.Get(context.Background(), "tiles/tile_states", nil, nil)
	var authErr *InvalidAuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Get error = %v, want *InvalidAuthError", err)
	}
}

func TestRequest_BadEndpointAndMalformedBody(t *testing.T) {
	f := newFakeTile(t)
	f.details["broken"] = fakeResponse{body: []byte("{not-json")}
	c := f.login()

	err := c.Get(context.Background(), "bad_endpoint", nil, nil)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.StatusCode != http.StatusNotFound {
		t.Fatalf("Get error = %v, want RequestError with status 404", err)
	}

	var dest tileDetails
	err = c.Get(context.Background(), "tiles/broken", nil, &dest)
	if !errors.As(err, &reqErr) || !strings.Contains(err.Error(), "decoding response body") {
		t.Fatalf("Get error = %v, want decode RequestError", err)
	}
}

func TestRequest_TransportFailure(t *testing.T) {
	c := NewClient(testEmail, testPassword, WithBaseURL("http://127.0.0.1:1/api/v1"), WithTimeout(time.Second))

	err := c.Init(context.Background())
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.StatusCode != 0 {
		t.Fatalf("Init error = %v, want RequestError without status", err)
	}
}

func TestClient_StringHidesPassword(t *testing.T) {
	c := NewClient(testEmail, "hunter2-secret")
	if s := c.String(); strings.Contains(s, "hunter2-secret") {
		t.Fatalf("String() = %q leaks the password", s)
	}
}

func TestMsToTime(t *testing.T) {
	got := msToTime(-1)
	want := time.Date(1969, 12, 31, 23, 59, 59, 999000000, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("msToTime(-1) = %s, want %s", got, want)
	}

	got = msToTime(1597254926661)
	want = time.Date(2020, 8, 12, 17, 55, 26, 661000000, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("msToTime(1597254926661) = %s, want %s", got, want)
	}
}
