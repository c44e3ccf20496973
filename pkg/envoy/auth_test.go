package envoy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// cloudServer fakes the two-step token issuance flow.
func cloudServer(t *testing.T, state *deviceState, token string) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/login/login.json", func(w http.ResponseWriter, r *http.Request) {
		state.mu.Lock()
		state.counts["login"]++
		state.mu.Unlock()
		if r.FormValue("user[email]") == "" || r.FormValue("user[password]") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":"success","session_id":"abc123","manager_token":"mt","is_consumer":true}`))
	})
	mux.HandleFunc("/tokens", func(w http.ResponseWriter, r *http.Request) {
		state.mu.Lock()
		state.counts["tokens"]++
		state.mu.Unlock()
		_, _ = w.Write([]byte(token))
	})
	return httptest.NewServer(mux)
}

// deviceServer fakes the on-device token check endpoint.
func deviceServer(t *testing.T, state *deviceState, acceptToken func() string) *httptest.Server {
	return httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state.mu.Lock()
		state.counts["check"]++
		state.mu.Unlock()
		if r.URL.Path != "/auth/check_jwt" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+acceptToken() {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "sessionId", Value: "abc"})
		_, _ = w.Write([]byte("Valid token."))
	}))
}

func TestNewTokenAuthRequiresCredentials(t *testing.T) {
	_, err := NewTokenAuth("envoy.local", "122107031234", testLogger())
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)

	_, err = NewTokenAuth("envoy.local", "122107031234", testLogger(),
		WithEnlightenCredentials("owner@example.com", ""))
	assert.ErrorAs(t, err, &cfgErr)

	_, err = NewTokenAuth("envoy.local", "122107031234", testLogger(),
		WithRawToken("sometoken"))
	assert.NoError(t, err)
}

func TestTokenAuthMintValidateAndStore(t *testing.T) {
	serial := "122107031234"
	minted := makeToken(t, serial, time.Now().Add(365*24*time.Hour))

	state := newDeviceState()
	cloud := cloudServer(t, state, minted)
	defer cloud.Close()
	device := deviceServer(t, state, func() string { return minted })
	defer device.Close()

	var saved string
	auth, err := NewTokenAuth(serverHost(t, device), serial, testLogger(),
		WithEnlightenCredentials("owner@example.com", "secret"),
		WithTokenStore(
			func() (string, error) { return "", nil },
			func(token string) error { saved = token; return nil },
		),
		WithAuthClients(cloud.Client(), NewDeviceClient(0)))
	assert.NoError(t, err)
	auth.loginURL = cloud.URL + "/login/login.json"
	auth.tokenURL = cloud.URL + "/tokens"

	ctx := context.Background()
	assert.NoError(t, auth.Update(ctx))
	assert.Equal(t, minted, auth.Token())
	assert.Equal(t, minted, saved)
	assert.Equal(t, "Bearer "+minted, auth.AuthHeader())
	assert.NotEmpty(t, auth.Cookies())
	assert.Equal(t, 1, state.count("login"))
	assert.Equal(t, 1, state.count("tokens"))

	// A second update has a fresh token and valid cookies: no traffic.
	assert.NoError(t, auth.Update(ctx))
	assert.Equal(t, 1, state.count("login"))
	assert.Equal(t, 1, state.count("check"))
}

func TestTokenAuthLoadsFromStore(t *testing.T) {
	serial := "122107031234"
	stored := makeToken(t, serial, time.Now().Add(365*24*time.Hour))

	state := newDeviceState()
	device := deviceServer(t, state, func() string { return stored })
	defer device.Close()

	auth, err := NewTokenAuth(serverHost(t, device), serial, testLogger(),
		WithEnlightenCredentials("owner@example.com", "secret"),
		WithTokenStore(func() (string, error) { return stored, nil }, nil),
		WithAuthClients(nil, NewDeviceClient(0)))
	assert.NoError(t, err)
	// Any cloud call would fail.
	auth.loginURL = "http://127.0.0.1:1/login/login.json"
	auth.tokenURL = "http://127.0.0.1:1/tokens"

	assert.NoError(t, auth.Update(context.Background()))
	assert.Equal(t, stored, auth.Token())
	assert.NotEmpty(t, auth.Cookies())
}

func TestTokenAuthStaleRenewal(t *testing.T) {
	serial := "122107031234"
	stale := makeToken(t, serial, time.Now().Add(10*24*time.Hour))
	fresh := makeToken(t, serial, time.Now().Add(365*24*time.Hour))

	state := newDeviceState()
	cloud := cloudServer(t, state, fresh)
	defer cloud.Close()

	// The device accepts anything: staleness is a renewal hint, not expiry.
	acceptAny := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sessionId", Value: "abc"})
		_, _ = w.Write([]byte("Valid token."))
	}))
	defer acceptAny.Close()

	auth, err := NewTokenAuth(serverHost(t, acceptAny), serial, testLogger(),
		WithEnlightenCredentials("owner@example.com", "secret"),
		WithRawToken(stale),
		WithAuthClients(cloud.Client(), NewDeviceClient(0)))
	assert.NoError(t, err)
	auth.loginURL = cloud.URL + "/login/login.json"
	auth.tokenURL = cloud.URL + "/tokens"

	assert.True(t, auth.IsStale(time.Now()))
	assert.NoError(t, auth.Update(context.Background()))
	assert.Equal(t, fresh, auth.Token())
	assert.Equal(t, 1, state.count("login"))
}

func TestTokenAuthStaleWithoutRenewalKeepsToken(t *testing.T) {
	serial := "122107031234"
	stale := makeToken(t, serial, time.Now().Add(10*24*time.Hour))

	acceptAny := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sessionId", Value: "abc"})
		_, _ = w.Write([]byte("Valid token."))
	}))
	defer acceptAny.Close()

	auth, err := NewTokenAuth(serverHost(t, acceptAny), serial, testLogger(),
		WithEnlightenCredentials("owner@example.com", "secret"),
		WithRawToken(stale),
		WithAutoRenewal(false),
		WithAuthClients(nil, NewDeviceClient(0)))
	assert.NoError(t, err)
	auth.loginURL = "http://127.0.0.1:1/login/login.json"

	assert.NoError(t, auth.Update(context.Background()))
	assert.Equal(t, stale, auth.Token())
}

func TestTokenAuthUpdateReplacesRejectedToken(t *testing.T) {
	serial := "122107031234"
	revoked := makeToken(t, serial, time.Now().Add(100*24*time.Hour))
	fresh := makeToken(t, serial, time.Now().Add(365*24*time.Hour))

	state := newDeviceState()
	cloud := cloudServer(t, state, fresh)
	defer cloud.Close()
	device := deviceServer(t, state, func() string { return fresh })
	defer device.Close()

	auth, err := NewTokenAuth(serverHost(t, device), serial, testLogger(),
		WithEnlightenCredentials("owner@example.com", "secret"),
		WithRawToken(revoked),
		WithAuthClients(cloud.Client(), NewDeviceClient(0)))
	assert.NoError(t, err)
	auth.loginURL = cloud.URL + "/login/login.json"
	auth.tokenURL = cloud.URL + "/tokens"

	// The device rejects the provided token: the same update must drop it,
	// mint a replacement and validate it.
	assert.NoError(t, auth.Update(context.Background()))
	assert.Equal(t, fresh, auth.Token())
	assert.NotEmpty(t, auth.Cookies())
	assert.Equal(t, 1, state.count("login"))
	assert.Equal(t, 2, state.count("check"))
}

func TestTokenAuthUpdateRejectedTokenWithoutCredentials(t *testing.T) {
	serial := "122107031234"
	revoked := makeToken(t, serial, time.Now().Add(100*24*time.Hour))

	state := newDeviceState()
	device := deviceServer(t, state, func() string { return "other" })
	defer device.Close()

	auth, err := NewTokenAuth(serverHost(t, device), serial, testLogger(),
		WithRawToken(revoked),
		WithAuthClients(nil, NewDeviceClient(0)))
	assert.NoError(t, err)

	err = auth.Update(context.Background())
	var tokenErr *InvalidTokenError
	assert.ErrorAs(t, err, &tokenErr)
	// The rejected token is dropped so newly supplied credentials can start
	// from scratch.
	assert.Empty(t, auth.Token())
}

func TestTokenAuthResolve401MintsFreshToken(t *testing.T) {
	serial := "122107031234"
	revoked := makeToken(t, serial, time.Now().Add(100*24*time.Hour))
	fresh := makeToken(t, serial, time.Now().Add(365*24*time.Hour))

	state := newDeviceState()
	cloud := cloudServer(t, state, fresh)
	defer cloud.Close()
	device := deviceServer(t, state, func() string { return fresh })
	defer device.Close()

	auth, err := NewTokenAuth(serverHost(t, device), serial, testLogger(),
		WithEnlightenCredentials("owner@example.com", "secret"),
		WithRawToken(revoked),
		WithAuthClients(cloud.Client(), NewDeviceClient(0)))
	assert.NoError(t, err)
	auth.loginURL = cloud.URL + "/login/login.json"
	auth.tokenURL = cloud.URL + "/tokens"

	assert.True(t, auth.Resolve401(context.Background()))
	assert.Equal(t, fresh, auth.Token())
	assert.NotEmpty(t, auth.Cookies())
}

func TestTokenAuthResolve401WithoutCredentials(t *testing.T) {
	serial := "122107031234"
	revoked := makeToken(t, serial, time.Now().Add(100*24*time.Hour))

	state := newDeviceState()
	device := deviceServer(t, state, func() string { return "other" })
	defer device.Close()

	auth, err := NewTokenAuth(serverHost(t, device), serial, testLogger(),
		WithRawToken(revoked),
		WithAuthClients(nil, NewDeviceClient(0)))
	assert.NoError(t, err)

	assert.False(t, auth.Resolve401(context.Background()))
}

func TestTokenExpiration(t *testing.T) {
	exp := time.Now().Add(90 * 24 * time.Hour).Truncate(time.Second)
	auth, err := NewTokenAuth("envoy.local", "122107031234", testLogger(),
		WithRawToken(makeToken(t, "122107031234", exp)))
	assert.NoError(t, err)

	got, err := auth.ExpirationTime()
	assert.NoError(t, err)
	assert.Equal(t, exp.Unix(), got.Unix())

	assert.False(t, auth.IsStale(exp.Add(-31*24*time.Hour)))
	assert.True(t, auth.IsStale(exp.Add(-29*24*time.Hour)))
	assert.True(t, auth.IsStale(exp.Add(time.Hour)))
}

func TestTokenExpirationUndecodable(t *testing.T) {
	auth, err := NewTokenAuth("envoy.local", "122107031234", testLogger(),
		WithRawToken("not-a-jwt"))
	assert.NoError(t, err)

	_, err = auth.ExpirationTime()
	var tokenErr *InvalidTokenError
	assert.ErrorAs(t, err, &tokenErr)
	assert.True(t, auth.IsStale(time.Now()))
}

func TestDevicePasswords(t *testing.T) {
	assert.Equal(t, "110123", envoyPassword("121707110123", "envoy"))
	assert.Equal(t, "110123", envoyPassword("121707110123", ""))
	assert.Equal(t, "123", envoyPassword("123", "envoy"))
	assert.Equal(t, "4578dfd9", envoyPassword("121707110123", "installer"))
	assert.Len(t, installerPassword("122107031234", "installer"), 8)
}
