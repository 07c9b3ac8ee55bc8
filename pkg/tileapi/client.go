package tileapi

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	oaerrors "github.com/go-openapi/errors"
	"github.com/go-openapi/strfmt"
	"github.com/go-openapi/validate"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/jake-scott/gotile/internal/pkg/logging"
)

const (
	DefaultBaseURL    = "https://production.tile-api.com/api/v1"
	DefaultAPIVersion = "1.0"
	DefaultAppID      = "ios-tile-production"
	DefaultAppVersion = "2.89.1.4774"
	DefaultLocale     = "en-US"
	DefaultUserAgent  = "Tile/4774 CFNetwork/1312 Darwin/21.0.0"

	defaultTimeout       = time.Second * 10
	defaultMaxConcurrent = 10
)

// ExpiryPolicy decides what Request does once the session has expired
type ExpiryPolicy int

const (
	// ExpiryRefresh logs in again before sending the request
	ExpiryRefresh ExpiryPolicy = iota
	// ExpiryFail returns a *SessionExpiredError
	ExpiryFail
)

// Requester issues an authenticated GET against a Tile API endpoint and
// decodes the JSON response into dest.
type Requester interface {
	Get(ctx context.Context, endpoint string, query url.Values, dest interface{}) error
}

// Ensure Client implements Requester at compile time.
var _ Requester = (*Client)(nil)

// Client holds a Tile session.  It is safe for concurrent use.
type Client struct {
	ClientUUID string
	Locale     string

	email         string
	password      string
	baseURL       string
	httpClient    *http.Client
	timeout       time.Duration
	maxConcurrent int
	expiryPolicy  ExpiryPolicy

	// guards the session fields
	mu                sync.Mutex
	userUUID          string
	sessionExpiry     time.Time
	clientEstablished bool

	// serializes the login sequence
	loginMu sync.Mutex
}

// Option configures a Client
type Option func(*Client)

// WithClientUUID reuses an existing client identifier instead of generating one
func WithClientUUID(id string) Option {
	return func(c *Client) {
		c.ClientUUID = id
	}
}

func WithLocale(locale string) Option {
	return func(c *Client) {
		c.Locale = locale
	}
}

// WithHTTPClient replaces the transport.  The Tile session is cookie based,
// so the supplied client needs a cookie jar.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(u, "/")
	}
}

// WithTimeout bounds each individual API call.  Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithMaxConcurrent bounds the number of tile detail requests GetTiles keeps
// in flight.  Zero or less means one request per tile.
func WithMaxConcurrent(n int) Option {
	return func(c *Client) {
		c.maxConcurrent = n
	}
}

func WithExpiryPolicy(p ExpiryPolicy) Option {
	return func(c *Client) {
		c.expiryPolicy = p
	}
}

// NewClient builds a client without contacting the API; call Init to log in.
func NewClient(email, password string, opts ...Option) *Client {
	jar, _ := cookiejar.New(nil)

	c := &Client{
		Locale:        DefaultLocale,
		email:         email,
		password:      password,
		baseURL:       DefaultBaseURL,
		httpClient:    &http.Client{Jar: jar},
		timeout:       defaultTimeout,
		maxConcurrent: defaultMaxConcurrent,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.ClientUUID == "" {
		c.ClientUUID = uuid.New().String()
	}

	return c
}

// Login validates the credentials, builds a client and establishes a session.
// Credentials that can never be accepted fail with *InvalidAuthError before
// any request is sent.
func Login(ctx context.Context, email, password string, opts ...Option) (*Client, error) {
	c := NewClient(email, password, opts...)
	if verr := validateCredentials(email, password, c.ClientUUID); verr != nil {
		return nil, &InvalidAuthError{Email: email, cause: verr}
	}

	if err := c.Init(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// The client identifier is opaque; only its presence is checked
func validateCredentials(email, password, clientUUID string) *oaerrors.Validation {
	if verr := validate.RequiredString("email", "body", email); verr != nil {
		return verr
	}
	if verr := validate.FormatOf("email", "body", "email", email, strfmt.Default); verr != nil {
		return verr
	}
	if verr := validate.RequiredString("password", "body", password); verr != nil {
		return verr
	}
	if verr := validate.RequiredString("client_uuid", "path", clientUUID); verr != nil {
		return verr
	}

	return nil
}

func hashOf(s string) string {
	sum := sha1.Sum([]byte(s))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// obfuscate the password when stringified
func (c *Client) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return fmt.Sprintf("ClientUUID [%s], Email [%s], password [%s], Locale [%s], UserUUID [%s], SessionExpiry [%s]",
		c.ClientUUID, c.email, hashOf(c.password), c.Locale, c.userUUID, c.sessionExpiry)
}

// UserUUID returns the account identifier captured by the first successful login
func (c *Client) UserUUID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userUUID
}

// SessionExpiry returns the zero time until the first login
func (c *Client) SessionExpiry() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionExpiry
}

// Init registers the client identifier (once) and creates a new session.
func (c *Client) Init(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	return c.login(ctx)
}

type sessionResponse struct {
	Result struct {
		User struct {
			UserUUID string `json:"user_uuid"`
		} `json:"user"`
		SessionExpirationTimestamp int64 `json:"session_expiration_timestamp"`
	} `json:"result"`
}

// login must be called with loginMu held
func (c *Client) login(ctx context.Context) error {
	ctxLogger := logging.Logger(ctx)

	c.mu.Lock()
	established := c.clientEstablished
	c.mu.Unlock()

	if !established {
		form := url.Values{}
		form.Set("app_id", DefaultAppID)
		form.Set("app_version", DefaultAppVersion)
		form.Set("locale", c.Locale)

		ctxLogger.Debugf("registering tile client %s", c.ClientUUID)
		if err := c.do(ctx, http.MethodPut, "clients/"+c.ClientUUID, nil, form, nil); err != nil {
			return c.authError(err)
		}

		c.mu.Lock()
		c.clientEstablished = true
		c.mu.Unlock()
	}

	form := url.Values{}
	form.Set("email", c.email)
	form.Set("password", c.password)

	var resp sessionResponse
	endpoint := "clients/" + c.ClientUUID + "/sessions"
	if err := c.do(ctx, http.MethodPost, endpoint, nil, form, &resp); err != nil {
		return c.authError(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.userUUID == "" {
		if resp.Result.User.UserUUID == "" {
			return &RequestError{Method: http.MethodPost, Endpoint: endpoint, cause: errors.New("session response has no user_uuid")}
		}
		c.userUUID = resp.Result.User.UserUUID
	}

	// no expiry reported leaves the session fresh
	c.sessionExpiry = time.Time{}
	if ts := resp.Result.SessionExpirationTimestamp; ts > 0 {
		c.sessionExpiry = msToTime(ts)
	}

	ctxLogger.Debugf("tile session for user %s valid until %s", c.userUUID, c.sessionExpiry)
	return nil
}

func (c *Client) authError(err error) error {
	var reqErr *RequestError
	if errors.As(err, &reqErr) && reqErr.StatusCode == http.StatusUnauthorized {
		return &InvalidAuthError{Email: c.email, cause: err}
	}

	return err
}

func (c *Client) expired() (bool, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessionExpiry.IsZero() {
		return false, c.sessionExpiry
	}

	return !time.Now().Before(c.sessionExpiry), c.sessionExpiry
}

// ensureSession applies the expiry policy before a request is sent
func (c *Client) ensureSession(ctx context.Context) error {
	isExpired, expiry := c.expired()
	if !isExpired {
		return nil
	}

	if c.expiryPolicy == ExpiryFail {
		return &SessionExpiredError{Expiry: expiry}
	}

	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	// Another request may have logged in while we waited
	if isExpired, _ = c.expired(); !isExpired {
		return nil
	}

	logging.Logger(ctx).Debugf("tile session expired at %s, logging in again", expiry)
	if err := c.login(ctx); err != nil {
		return &reauthError{cause: err}
	}

	return nil
}

// Request sends an authenticated request and decodes the JSON body into dest
// (which may be nil).  An expired session is handled according to the
// client's ExpiryPolicy first.
func (c *Client) Request(ctx context.Context, method, endpoint string, query, form url.Values, dest interface{}) error {
	if err := c.ensureSession(ctx); err != nil {
		return err
	}

	return c.do(ctx, method, endpoint, query, form, dest)
}

// Get implements Requester
func (c *Client) Get(ctx context.Context, endpoint string, query url.Values, dest interface{}) error {
	return c.Request(ctx, http.MethodGet, endpoint, query, nil, dest)
}

func (c *Client) makeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}

	var cancel context.CancelFunc = func() {}
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}

	return ctx, cancel
}

// The Tile API rejects clients that don't look like the iOS app
func (c *Client) setHeaders(req *http.Request) {
	// assigned directly to keep the non-canonical key spelling
	req.Header["Tile_app_id"] = []string{DefaultAppID}
	req.Header["Tile_app_version"] = []string{DefaultAppVersion}
	req.Header["tile_api_version"] = []string{DefaultAPIVersion}
	req.Header["Tile_client_uuid"] = []string{c.ClientUUID}
	req.Header.Set("User-Agent", DefaultUserAgent)
}

func (c *Client) do(ctx context.Context, method, endpoint string, query, form url.Values, dest interface{}) error {
	ctx, cancel := c.makeContext(ctx)
	defer cancel()

	reqURL := c.baseURL + "/" + endpoint
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	newErr := func(status int, cause error) error {
		return &RequestError{Method: method, Endpoint: endpoint, StatusCode: status, cause: cause}
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return newErr(0, errors.Wrap(err, "creating request"))
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	c.setHeaders(req)

	logging.Logger(ctx).Debugf("tile api request: %s %s", method, endpoint)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return newErr(0, errors.Wrap(err, "executing request"))
	}
	defer resp.Body.Close()

	bodyBytes, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return newErr(0, errors.Wrap(err, "reading response body"))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var cause error
		if len(bodyBytes) > 0 {
			cause = errors.New(truncate(string(bodyBytes), 256))
		}
		return newErr(resp.StatusCode, cause)
	}

	if dest == nil {
		return nil
	}

	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return newErr(0, errors.Wrap(err, "decoding response body"))
	}

	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// msToTime converts a Tile millisecond epoch to UTC.  Negative values land
// before the epoch: -1 is 1969-12-31T23:59:59.999Z.
func msToTime(ms int64) time.Time {
	return time.Unix(0, ms*int64(time.Millisecond)).UTC()
}
