package tlsutil

import (
	"crypto/tls"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTLSConfig(t *testing.T) {
	cfg := DefaultTLSConfig()
	require.NotNil(t, cfg)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.NotEmpty(t, cfg.CipherSuites)
}

func TestSecureHTTPClient(t *testing.T) {
	c := SecureHTTPClient(10 * time.Second)
	require.NotNil(t, c)
	assert.Equal(t, 10*time.Second, c.Timeout)
	assert.NotNil(t, c.Transport)
}

func TestSecureHTTPClient_ZeroTimeoutForStreaming(t *testing.T) {
	c := SecureHTTPClient(0)
	assert.Zero(t, c.Timeout)
}
