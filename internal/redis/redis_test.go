package redis

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigAddrAndDefaults(t *testing.T) {
	cfg := Config{Host: "cache.internal", Port: 6380}
	assert.Equal(t, "cache.internal:6380", cfg.Addr())

	d := cfg.withDefaults()
	assert.Equal(t, defaultPingAttempts, d.PingAttempts)
	assert.Equal(t, defaultPingBackoff, d.PingBackoff)

	custom := Config{PingAttempts: 2, PingBackoff: time.Second}.withDefaults()
	assert.Equal(t, 2, custom.PingAttempts)
	assert.Equal(t, time.Second, custom.PingBackoff)
}

func TestInitUnreachableLeavesNoClient(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	c, err := Init(Config{Host: "127.0.0.1", Port: port, PingAttempts: 1, PingBackoff: time.Millisecond})
	require.Error(t, err)
	assert.Nil(t, c)
	assert.Nil(t, Client())
	assert.NoError(t, Close())
}
