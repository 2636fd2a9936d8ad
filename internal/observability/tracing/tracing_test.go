package tracing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveEndpoint(t *testing.T) {
	// Env var wins regardless of the config.
	assert.Equal(t, "env:4318", resolveEndpoint(false, "cfg:4318", "env:4318"))
	assert.Equal(t, "env:4318", resolveEndpoint(true, "cfg:4318", "env:4318"))

	// Config endpoint only applies when tracing is enabled.
	assert.Equal(t, "cfg:4318", resolveEndpoint(true, "cfg:4318", ""))
	assert.Equal(t, "", resolveEndpoint(false, "cfg:4318", ""))
	assert.Equal(t, "", resolveEndpoint(true, "", ""))
}

func TestEndpointHost(t *testing.T) {
	assert.Equal(t, "collector:4318", endpointHost("http://collector:4318"))
	assert.Equal(t, "collector:4318", endpointHost("https://collector:4318"))
	assert.Equal(t, "collector:4318", endpointHost("collector:4318"))
}
