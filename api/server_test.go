package api

import (
	"bytes"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llehouerou/xdccd/store"
	"github.com/llehouerou/xdccd/xfer"
)

// The fakes below mirror xfer's own test fakes; api can't import xfer's
// unexported test helpers across packages, so this is a second, minimal
// copy scoped to what these tests drive.

type fakeIRC struct {
	mu         sync.Mutex
	privmsgs   []string
	ctcps      []string
	handler    func(sender, target, payload string)
	subscribed chan struct{}
}

func newFakeIRC() *fakeIRC {
	return &fakeIRC{subscribed: make(chan struct{}, 1)}
}

func (f *fakeIRC) session() xfer.IRCSession {
	return xfer.IRCSession{
		SendPrivmsg: func(nick, text string) error {
			f.mu.Lock()
			f.privmsgs = append(f.privmsgs, nick+":"+text)
			f.mu.Unlock()
			return nil
		},
		SendCTCP: func(nick, verb, text string) error {
			f.mu.Lock()
			f.ctcps = append(f.ctcps, nick+":"+verb+" "+text)
			f.mu.Unlock()
			return nil
		},
		SubscribeCTCP: func(handler func(sender, target, payload string)) func() {
			f.mu.Lock()
			f.handler = handler
			f.mu.Unlock()
			select {
			case f.subscribed <- struct{}{}:
			default:
			}
			return func() {}
		},
	}
}

func (f *fakeIRC) deliver(sender, target, payload string) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(sender, target, payload)
}

type pipeDialer struct{ botSide net.Conn }

func newPipeDialer() (*pipeDialer, net.Conn) {
	local, bot := net.Pipe()
	return &pipeDialer{botSide: local}, bot
}

func (d *pipeDialer) Dial(network, address string) (net.Conn, error) {
	return d.botSide, nil
}

type fakeDispatcher struct {
	mu       sync.Mutex
	build    func(req DownloadRequest) (*xfer.Transfer, error)
	detached []net.Conn
}

func (d *fakeDispatcher) Dispatch(req DownloadRequest, socket net.Conn) (*xfer.Transfer, error) {
	return d.build(req)
}

func (d *fakeDispatcher) Detach(socket net.Conn) {
	d.mu.Lock()
	d.detached = append(d.detached, socket)
	d.mu.Unlock()
}

func (d *fakeDispatcher) detachedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.detached)
}

func decodeEnvelope(t *testing.T, dec *json.Decoder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, dec.Decode(&m))
	return m
}

func TestServerFreshDownloadFlow(t *testing.T) {
	dir := t.TempDir()
	dest, err := store.NewDestination(dir)
	require.NoError(t, err)

	irc := newFakeIRC()
	dialer, bot := newPipeDialer()

	fd := &fakeDispatcher{build: func(req DownloadRequest) (*xfer.Transfer, error) {
		tr := xfer.New(req.BotName, "me", req.PackNumber, dest, irc.session(), xfer.Options{
			Dialer:           dialer,
			ProgressInterval: 5 * time.Millisecond,
			IdleTimeout:      2 * time.Second,
		})
		tr.Start()
		return tr, nil
	}}

	srv := NewServer(fd, nil)
	require.NoError(t, srv.Start("127.0.0.1", 0))
	defer srv.Stop()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	req := DownloadRequest{BotName: "Bot|A", PackNumber: "7", SendProgress: true}
	body, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = conn.Write(body)
	require.NoError(t, err)

	dec := json.NewDecoder(conn)
	downloading := decodeEnvelope(t, dec)
	assert.Equal(t, "downloading", downloading["status"])

	<-irc.subscribed
	irc.deliver("Bot|A", "me", `DCC SEND "a.bin" 2130706433 5000 5`)

	go func() {
		_, _ = bot.Write([]byte{1, 2, 3, 4, 5})
		_ = bot.Close()
	}()

	var success map[string]any
	for {
		env := decodeEnvelope(t, dec)
		if env["status"] == "success" {
			success = env
			break
		}
		assert.Equal(t, "progress", env["status"])
	}

	assert.Equal(t, "a.bin", success["filename"])
	assert.Equal(t, float64(5), success["size"])
	assert.Equal(t, "7", success["pack_number"])

	data, err := os.ReadFile(filepath.Join(dir, "a.bin"))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, data)
}

func TestServerValidationFailure(t *testing.T) {
	fd := &fakeDispatcher{build: func(req DownloadRequest) (*xfer.Transfer, error) {
		t.Fatal("dispatch should not be reached")
		return nil, nil
	}}

	srv := NewServer(fd, nil)
	require.NoError(t, srv.Start("127.0.0.1", 0))
	defer srv.Stop()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"bot_name":"","pack_number":"7"}`))
	require.NoError(t, err)

	dec := json.NewDecoder(conn)
	env := decodeEnvelope(t, dec)
	assert.Equal(t, "error", env["status"])
}

func TestServerOversizedRequest(t *testing.T) {
	fd := &fakeDispatcher{build: func(req DownloadRequest) (*xfer.Transfer, error) {
		t.Fatal("dispatch should not be reached")
		return nil, nil
	}}

	srv := NewServer(fd, nil)
	require.NoError(t, srv.Start("127.0.0.1", 0))
	defer srv.Stop()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	junk := bytes.Repeat([]byte("x"), 12000)
	_, err = conn.Write(junk)
	require.NoError(t, err)

	dec := json.NewDecoder(conn)
	env := decodeEnvelope(t, dec)
	assert.Equal(t, "error", env["status"])
	assert.Equal(t, "Request too large", env["message"])
}

func TestServerClientDisconnectDetachesSocketButTransferContinues(t *testing.T) {
	dir := t.TempDir()
	dest, err := store.NewDestination(dir)
	require.NoError(t, err)

	irc := newFakeIRC()
	dialer, bot := newPipeDialer()

	fd := &fakeDispatcher{build: func(req DownloadRequest) (*xfer.Transfer, error) {
		tr := xfer.New(req.BotName, "me", req.PackNumber, dest, irc.session(), xfer.Options{
			Dialer:           dialer,
			ProgressInterval: 5 * time.Millisecond,
			IdleTimeout:      2 * time.Second,
		})
		tr.Start()
		return tr, nil
	}}

	srv := NewServer(fd, nil)
	require.NoError(t, srv.Start("127.0.0.1", 0))
	defer srv.Stop()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)

	req := DownloadRequest{BotName: "Bot|A", PackNumber: "7", SendProgress: true}
	body, _ := json.Marshal(req)
	_, err = conn.Write(body)
	require.NoError(t, err)

	dec := json.NewDecoder(conn)
	decodeEnvelope(t, dec) // downloading

	<-irc.subscribed
	irc.deliver("Bot|A", "me", `DCC SEND "a.bin" 2130706433 5000 5`)

	// Client disconnects before the transfer finishes.
	require.NoError(t, conn.Close())

	go func() {
		_, _ = bot.Write([]byte{1, 2, 3, 4, 5})
		_ = bot.Close()
	}()

	require.Eventually(t, func() bool {
		return fd.detachedCount() > 0
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "a.bin"))
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
}
