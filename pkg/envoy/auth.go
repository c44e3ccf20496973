package envoy

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/icholy/digest"
	"go.uber.org/zap"
)

const (
	enlightenLoginURL = "https://enlighten.enphaseenergy.com/login/login.json?"
	enlightenTokenURL = "https://entrez.enphaseenergy.com/tokens"

	// Tokens are renewed this long before their embedded expiry.
	defaultStaleThreshold = 30 * 24 * time.Hour

	tokenValidMarker = "Valid token."
)

// GatewayAuth is the credential provider contract shared by the legacy
// digest scheme and the cloud-issued token scheme.
type GatewayAuth interface {
	// Protocol returns the scheme used against the device.
	Protocol() string
	// AuthHeader returns the Authorization header value, or "" when the
	// scheme does not use one.
	AuthHeader() string
	// Cookies returns session cookies required by the device.
	Cookies() []*http.Cookie
	// WrapTransport lets the scheme install a per-request mechanism (digest)
	// on the reader's HTTP client.
	WrapTransport(base http.RoundTripper) http.RoundTripper
	// Update makes sure the credentials are ready to use, performing network
	// calls as needed.
	Update(ctx context.Context) error
	// Resolve401 is the recovery hook the reader calls after a 401. It
	// reports whether a retry is worthwhile.
	Resolve401(ctx context.Context) bool
}

// LegacyAuth authenticates with HTTP digest against firmware without web
// token support.
type LegacyAuth struct {
	host     string
	username string
	password string
}

func NewLegacyAuth(host, username, password string) *LegacyAuth {
	return &LegacyAuth{host: host, username: username, password: password}
}

func (a *LegacyAuth) Protocol() string {
	return "http"
}

func (a *LegacyAuth) AuthHeader() string {
	return ""
}

func (a *LegacyAuth) Cookies() []*http.Cookie {
	return nil
}

func (a *LegacyAuth) WrapTransport(base http.RoundTripper) http.RoundTripper {
	return &digest.Transport{
		Username:  a.username,
		Password:  a.password,
		Transport: base,
	}
}

func (a *LegacyAuth) Update(ctx context.Context) error {
	return nil
}

// Resolve401 has no recovery path for digest auth: wrong credentials stay
// wrong.
func (a *LegacyAuth) Resolve401(ctx context.Context) bool {
	return false
}

// TokenAuth authenticates with a cloud-issued bearer token plus the session
// cookie handed out by the device's check endpoint. The bearer header alone
// is not enough against the device.
type TokenAuth struct {
	host   string
	serial string

	enlightenUsername string
	enlightenPassword string

	token          string
	cookies        []*http.Cookie
	autoRenewal    bool
	staleThreshold time.Duration

	loadToken func() (string, error)
	saveToken func(string) error

	loginURL string
	tokenURL string

	cloudClient  *http.Client
	deviceClient *http.Client
	logger       *zap.Logger
}

type TokenAuthOption func(*TokenAuth)

// WithEnlightenCredentials provides the cloud login used to mint and renew
// tokens.
func WithEnlightenCredentials(username, password string) TokenAuthOption {
	return func(a *TokenAuth) {
		a.enlightenUsername = username
		a.enlightenPassword = password
	}
}

// WithRawToken provides an externally obtained token.
func WithRawToken(token string) TokenAuthOption {
	return func(a *TokenAuth) {
		a.token = token
	}
}

// WithTokenStore injects persistence for the token. The storage format is up
// to the caller.
func WithTokenStore(load func() (string, error), save func(string) error) TokenAuthOption {
	return func(a *TokenAuth) {
		a.loadToken = load
		a.saveToken = save
	}
}

func WithAutoRenewal(enabled bool) TokenAuthOption {
	return func(a *TokenAuth) {
		a.autoRenewal = enabled
	}
}

func WithStaleThreshold(threshold time.Duration) TokenAuthOption {
	return func(a *TokenAuth) {
		a.staleThreshold = threshold
	}
}

// WithAuthClients overrides the HTTP clients used against the cloud and the
// device.
func WithAuthClients(cloud, device *http.Client) TokenAuthOption {
	return func(a *TokenAuth) {
		a.cloudClient = cloud
		a.deviceClient = device
	}
}

// NewTokenAuth builds a token auth for the given device. Either Enlighten
// credentials or a raw token must be provided; providing neither is a
// configuration error, not a runtime one.
func NewTokenAuth(host, serial string, logger *zap.Logger, opts ...TokenAuthOption) (*TokenAuth, error) {
	a := &TokenAuth{
		host:           host,
		serial:         serial,
		autoRenewal:    true,
		staleThreshold: defaultStaleThreshold,
		loginURL:       enlightenLoginURL,
		tokenURL:       enlightenTokenURL,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.token == "" && (a.enlightenUsername == "" || a.enlightenPassword == "") {
		return nil, &ConfigError{
			Message: "token auth needs Enlighten credentials or a raw token",
		}
	}
	if a.cloudClient == nil {
		// The cloud presents a real certificate; only the device does not.
		a.cloudClient = &http.Client{Timeout: defaultTimeout}
	}
	if a.deviceClient == nil {
		a.deviceClient = NewDeviceClient(defaultTimeout)
	}
	return a, nil
}

func (a *TokenAuth) Protocol() string {
	return "https"
}

func (a *TokenAuth) AuthHeader() string {
	if a.token == "" {
		return ""
	}
	return "Bearer " + a.token
}

func (a *TokenAuth) Cookies() []*http.Cookie {
	return a.cookies
}

func (a *TokenAuth) WrapTransport(base http.RoundTripper) http.RoundTripper {
	return base
}

// Token returns the current raw token.
func (a *TokenAuth) Token() string {
	return a.token
}

// ExpirationTime reads the unverified exp claim of the current token. The
// token's authenticity is established by TLS-secured issuance and the
// device-side validation call, not by local signature verification.
func (a *TokenAuth) ExpirationTime() (time.Time, error) {
	claims, err := a.decodeClaims()
	if err != nil {
		return time.Time{}, err
	}
	exp, ok := claims["exp"].(float64)
	if !ok {
		return time.Time{}, &InvalidTokenError{Message: "token has no exp claim"}
	}
	return time.Unix(int64(exp), 0), nil
}

func (a *TokenAuth) decodeClaims() (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	parser := &jwt.Parser{}
	if _, _, err := parser.ParseUnverified(a.token, claims); err != nil {
		return nil, &InvalidTokenError{Message: fmt.Sprintf("undecodable token: %v", err)}
	}
	return claims, nil
}

// IsStale reports whether the token is inside the renewal window before its
// hard expiry.
func (a *TokenAuth) IsStale(now time.Time) bool {
	exp, err := a.ExpirationTime()
	if err != nil {
		return true
	}
	return !now.Before(exp.Add(-a.staleThreshold))
}

func (a *TokenAuth) hasCredentials() bool {
	return a.enlightenUsername != "" && a.enlightenPassword != ""
}

// Update drives the token state machine: obtain a token if there is none
// (from the injected store or the cloud), renew a stale one when auto-renewal
// is on, and validate cookies against the device whenever they are missing.
func (a *TokenAuth) Update(ctx context.Context) error {
	if a.token == "" && a.loadToken != nil {
		token, err := a.loadToken()
		if err != nil {
			a.logger.Debug("token store load failed", zap.Error(err))
		} else if token != "" {
			a.logger.Debug("token loaded from store")
			a.token = token
			a.cookies = nil
		}
	}

	if a.token == "" {
		if err := a.refresh(ctx); err != nil {
			return err
		}
	} else if a.IsStale(time.Now()) {
		if a.autoRenewal && a.hasCredentials() {
			a.logger.Debug("token is stale, renewing")
			if err := a.refresh(ctx); err != nil {
				return err
			}
		} else {
			// Degraded but usable: the device keeps accepting the token
			// until its hard expiry.
			a.logger.Warn("token is stale and auto-renewal is off, keeping it until expiry")
		}
	}

	if len(a.cookies) == 0 {
		if err := a.validate(ctx); err != nil {
			var tokenErr *InvalidTokenError
			if !errors.As(err, &tokenErr) {
				return err
			}
			// The device rejected the token outright: drop it so the state
			// machine is back at square one.
			a.token = ""
			a.cookies = nil
			if !a.hasCredentials() {
				return err
			}
			a.logger.Debug("gateway rejected the token, minting a new one")
			if err := a.refresh(ctx); err != nil {
				return err
			}
			return a.validate(ctx)
		}
	}
	return nil
}

// Resolve401 revalidates the session cookies and, failing that, drops the
// token and mints a fresh one when credentials allow.
func (a *TokenAuth) Resolve401(ctx context.Context) bool {
	a.cookies = nil
	if err := a.validate(ctx); err == nil {
		return true
	}
	if !a.hasCredentials() {
		return false
	}
	a.token = ""
	if err := a.refresh(ctx); err != nil {
		a.logger.Debug("token refresh after 401 failed", zap.Error(err))
		return false
	}
	return a.validate(ctx) == nil
}

// refresh replaces the token wholesale with a newly minted one and clears the
// cookies, which then need re-validation.
func (a *TokenAuth) refresh(ctx context.Context) error {
	if !a.hasCredentials() {
		return &AuthenticationError{Message: "no Enlighten credentials available to renew the token"}
	}
	token, err := a.fetchToken(ctx)
	if err != nil {
		return err
	}
	a.token = token
	a.cookies = nil
	if a.saveToken != nil {
		if err := a.saveToken(token); err != nil {
			a.logger.Debug("token store save failed", zap.Error(err))
		}
	}
	if exp, err := a.ExpirationTime(); err == nil {
		a.logger.Debug("new token obtained", zap.Time("expires", exp))
	}
	return nil
}

type enlightenLogin struct {
	Message      string `json:"message"`
	SessionID    string `json:"session_id"`
	ManagerToken string `json:"manager_token"`
	IsConsumer   bool   `json:"is_consumer"`
}

// fetchToken performs the two-step cloud handshake: login for a session id,
// then exchange it for a token bound to the gateway serial number.
func (a *TokenAuth) fetchToken(ctx context.Context) (string, error) {
	a.logger.Debug("fetching new token from Enlighten")

	form := url.Values{}
	form.Set("user[email]", a.enlightenUsername)
	form.Set("user[password]", a.enlightenPassword)
	_, body, err := doPostForm(ctx, a.cloudClient, a.logger, a.loginURL, form)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			if statusErr.StatusCode == http.StatusUnauthorized {
				return "", &AuthenticationError{Message: "Enlighten rejected the credentials"}
			}
			return "", &AuthenticationError{Message: "Enlighten login failed", Err: err}
		}
		return "", err
	}

	var login enlightenLogin
	if err := json.Unmarshal(body, &login); err != nil {
		return "", &AuthenticationError{Message: "unexpected Enlighten login response", Err: err}
	}
	if login.SessionID == "" {
		return "", &AuthenticationError{Message: "Enlighten login returned no session id"}
	}

	_, body, err = doPostJSON(ctx, a.cloudClient, a.logger, a.tokenURL, map[string]string{
		"session_id": login.SessionID,
		"serial_num": a.serial,
		"username":   a.enlightenUsername,
	})
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			return "", &AuthenticationError{Message: "token issuance failed", Err: err}
		}
		return "", err
	}

	token := strings.TrimSpace(string(body))
	if token == "" {
		return "", &AuthenticationError{Message: "token issuance returned an empty token"}
	}
	return token, nil
}

// validate calls the device's own check endpoint with the bearer header. On
// success the device hands out the session cookie required for all
// subsequent requests.
func (a *TokenAuth) validate(ctx context.Context) error {
	a.logger.Debug("validating token against the gateway")
	resp, body, err := doGet(ctx, a.deviceClient, a.logger,
		fmt.Sprintf("https://%s/auth/check_jwt", a.host),
		withHeader("Authorization", a.AuthHeader()))
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			return &InvalidTokenError{
				Message: fmt.Sprintf("gateway rejected the token with status %d", statusErr.StatusCode),
			}
		}
		return err
	}
	if !strings.Contains(string(body), tokenValidMarker) {
		return &InvalidTokenError{Message: "gateway did not accept the token"}
	}
	a.cookies = resp.Cookies()
	a.logger.Debug("token is valid", zap.Int("cookies", len(a.cookies)))
	return nil
}

// envoyPassword returns the default device password for the given username:
// the last six digits of the serial number for "envoy", the derived
// installer password otherwise.
func envoyPassword(serial, username string) string {
	if username == "envoy" || username == "" {
		if len(serial) >= 6 {
			return serial[len(serial)-6:]
		}
		return serial
	}
	return installerPassword(serial, username)
}

// installerPassword derives the vendor's per-device installer password from
// the serial number.
func installerPassword(serial, username string) string {
	sum := md5.Sum([]byte("[e]" + username + "@enphaseenergy.com#" + serial + " EnPhAsE eNeRgY "))
	digest := hex.EncodeToString(sum[:])

	countZero := strings.Count(digest, "0")
	countOne := strings.Count(digest, "1")

	var password strings.Builder
	for i := len(digest) - 1; i >= len(digest)-8; i-- {
		switch c := digest[i]; c {
		case '0':
			if countZero > 9 {
				countZero = 9
			}
			password.WriteByte(byte('0' + countZero))
			if countZero > 0 {
				countZero--
			}
		case '1':
			if countOne > 9 {
				countOne = 9
			}
			password.WriteByte(byte('0' + countOne))
			if countOne > 0 {
				countOne--
			}
		default:
			password.WriteByte(c)
		}
	}
	return password.String()
}
