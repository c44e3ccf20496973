package envoy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGatewayInfoParse(t *testing.T) {
	state := newDeviceState()
	server := httptest.NewTLSServer(fixtureHandler(t, map[string]string{
		"info": "metered/info.xml",
	}, state, nil))
	defer server.Close()

	info := NewGatewayInfo(serverHost(t, server), NewDeviceClient(0), testLogger())
	assert.False(t, info.Populated())

	assert.NoError(t, info.Update(context.Background()))
	assert.True(t, info.Populated())
	assert.Equal(t, "122107031234", info.SerialNumber)
	assert.Equal(t, "800-00654-r08", info.PartNumber)
	assert.Equal(t, "7.6.175", info.FirmwareVersion.String())
	assert.Equal(t, TriStateTrue, info.IMeter)
	assert.True(t, info.WebTokens)

	// The identity endpoint is cached for a long time.
	assert.NoError(t, info.Update(context.Background()))
	assert.Equal(t, 1, state.count("info"))
}

func TestGatewayInfoHTTPFallback(t *testing.T) {
	state := newDeviceState()
	server := httptest.NewServer(fixtureHandler(t, map[string]string{
		"info": "legacy/info.xml",
	}, state, nil))
	defer server.Close()

	info := NewGatewayInfo(serverHost(t, server), NewDeviceClient(0), testLogger())
	assert.NoError(t, info.Update(context.Background()))
	assert.Equal(t, "121707110123", info.SerialNumber)
	assert.Equal(t, "3.7.0", info.FirmwareVersion.String())
	assert.Equal(t, TriStateUnknown, info.IMeter)
	assert.False(t, info.WebTokens)
}

func TestGatewayInfoMalformed(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<envoy_info><device><pn>800-00654-r08</pn></device></envoy_info>`))
	}))
	defer server.Close()

	info := NewGatewayInfo(serverHost(t, server), NewDeviceClient(0), testLogger())
	err := info.Update(context.Background())
	var setupErr *SetupError
	assert.ErrorAs(t, err, &setupErr)
	assert.False(t, info.Populated())
}

func TestStripVersionScheme(t *testing.T) {
	assert.Equal(t, "7.6.175", stripVersionScheme("D7.6.175"))
	assert.Equal(t, "3.9.36", stripVersionScheme("R3.9.36"))
	assert.Equal(t, "3.17.3", stripVersionScheme("3.17.3"))
	assert.Equal(t, "", stripVersionScheme("D"))
}
