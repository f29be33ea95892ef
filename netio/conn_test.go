package netio

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnRefreshesDeadlineOnRead(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	wrapped := NewConn(client, 50*time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = server.Write([]byte("hi"))
	}()

	buf := make([]byte, 2)
	n, err := wrapped.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	<-done
}

func TestConnIdleTimeoutFiresWithoutTraffic(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	wrapped := NewConn(client, 10*time.Millisecond)

	buf := make([]byte, 1)
	_, err := wrapped.Read(buf)
	require.Error(t, err)
}

func TestConnZeroTimeoutDisablesDeadline(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	wrapped := NewConn(client, 0)

	go func() {
		_, _ = server.Write([]byte("x"))
	}()

	buf := make([]byte, 1)
	n, err := wrapped.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
