package supervisor

import (
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llehouerou/xdccd/api"
	"github.com/llehouerou/xdccd/config"
	"github.com/llehouerou/xdccd/xfer"
)

func testSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	cfg := &config.Config{
		Port:                  0,
		Host:                  "127.0.0.1",
		FileDestination:       t.TempDir(),
		IRCServer:             "irc.example.org:6667",
		IRCNick:               "xdccd-test",
		IRCChannel:            "#downloads",
		ProgressInterval:      1,
		ProgressUpdatePercent: 5,
	}
	log := logrus.NewEntry(logrus.New())
	s, err := New(cfg, log)
	require.NoError(t, err)
	return s
}

// anyPack stands in for a negotiated PackInfo when a test only needs
// Registry.Promote's return value to prove a pending entry exists; the
// bot nick it was filed under, not the pack's contents, is what matters
// for these assertions.
func anyPack() xfer.PackInfo {
	return xfer.PackInfo{Filename: "probe", PeerPort: 1}
}

func TestDispatchFilesPendingEntry(t *testing.T) {
	s := testSupervisor(t)

	client, _ := net.Pipe()
	defer client.Close()

	tr, err := s.Dispatch(api.DownloadRequest{BotName: "Bot|A", PackNumber: "3"}, client)
	require.NoError(t, err)
	require.NotNil(t, tr)

	_, _, ok := s.registry.Promote("Bot|A", anyPack())
	assert.True(t, ok, "expected a pending entry filed under the bot nick")
}

// The session built by New is never Connected (Run wasn't called), so
// SendPrivmsg fails immediately: run() never gets far enough to parse a
// DCC SEND, and the pending entry it filed is never promoted.
func TestDispatchedTransferFailsWithoutIRCConnection(t *testing.T) {
	s := testSupervisor(t)

	client, _ := net.Pipe()
	defer client.Close()

	tr, err := s.Dispatch(api.DownloadRequest{BotName: "Bot|A", PackNumber: "3"}, client)
	require.NoError(t, err)

	select {
	case e := <-tr.Events():
		assert.Equal(t, xfer.EventError, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected an error event; session is not connected so SendPrivmsg must fail immediately")
	}

	_, _, ok := s.registry.Promote("Bot|A", anyPack())
	assert.True(t, ok, "entry should still be pending: it failed before a SEND was ever parsed")
}

func TestDetachDelegatesToRegistry(t *testing.T) {
	s := testSupervisor(t)

	client, _ := net.Pipe()
	defer client.Close()

	_, err := s.Dispatch(api.DownloadRequest{BotName: "Bot|A", PackNumber: "3"}, client)
	require.NoError(t, err)

	assert.NotPanics(t, func() { s.Detach(client) })
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512B", formatBytes(512))
	assert.Equal(t, "1.0KiB", formatBytes(1024))
	assert.Equal(t, "1.5KiB", formatBytes(1536))
}
