package envoy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEndpointUpdateRequired(t *testing.T) {
	now := time.Now()
	e := NewEndpoint("production.json", 5*time.Minute)

	assert.True(t, e.UpdateRequired(now))

	e.MarkFetched(now)
	assert.False(t, e.UpdateRequired(now.Add(time.Minute)))
	assert.True(t, e.UpdateRequired(now.Add(5*time.Minute)))
	assert.True(t, e.UpdateRequired(now.Add(time.Hour)))
}

func TestEndpointZeroCacheAlwaysRefetches(t *testing.T) {
	now := time.Now()
	e := NewEndpoint("ivp/meters/readings", 0)
	e.MarkFetched(now)
	assert.True(t, e.UpdateRequired(now))
}

func TestEndpointURL(t *testing.T) {
	e := NewEndpoint("api/v1/production", 0)
	assert.Equal(t, "https://envoy.local/api/v1/production", e.URL("https", "envoy.local"))
	assert.Equal(t, "http://192.168.1.50/api/v1/production", e.URL("http", "192.168.1.50"))
}

func TestMergeEndpointMinCache(t *testing.T) {
	set := map[string]*Endpoint{}
	mergeEndpoint(set, NewEndpoint("home.json", 10*time.Minute))
	mergeEndpoint(set, NewEndpoint("home.json", time.Minute))
	mergeEndpoint(set, NewEndpoint("home.json", time.Hour))

	assert.Len(t, set, 1)
	assert.Equal(t, time.Minute, set["home.json"].Cache)
}

func TestGatewayEndpointInterning(t *testing.T) {
	g := newBaseGateway("test", testLogger())
	first := g.endpoint("production.json", 10*time.Minute)
	second := g.endpoint("production.json", time.Minute)

	// Attributes sharing an endpoint share its fetch state too.
	assert.Same(t, first, second)
	assert.Equal(t, time.Minute, first.Cache)
}
