// Package xfer implements the DCC negotiation state machine, its TCP data
// pump, and the request registry that routes CTCP events to the transfer
// that owns them. It is the core of the download engine, grounded on
// client.Transfer / client.TransferRegistry and retargeted from Soulseek's
// peer transfer machinery to the CTCP SEND/RESUME/ACCEPT grammar and a
// single unified event channel.
package xfer

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/llehouerou/xdccd/dcc"
	"github.com/llehouerou/xdccd/netio"
	"github.com/llehouerou/xdccd/store"
)

// IRCSession is the subset of the IRC session this engine depends on: send
// a PRIVMSG or CTCP to a nick, and subscribe to incoming CTCP-PRIVMSG
// traffic. It is a struct of functions rather than an interface so package
// ircsession's *Session can hand out a bound value without xfer importing
// the IRC library directly.
type IRCSession struct {
	SendPrivmsg   func(nick, text string) error
	SendCTCP      func(nick, verb, text string) error
	SubscribeCTCP func(handler func(sender, target, payload string)) func()
}

// Dialer opens the DCC data channel's TCP connection. Satisfied by
// net.Dialer; substitutable in tests.
type Dialer interface {
	Dial(network, address string) (net.Conn, error)
}

type netDialer struct{}

func (netDialer) Dial(network, address string) (net.Conn, error) {
	return net.Dial(network, address)
}

// DefaultDialer dials real TCP sockets.
var DefaultDialer Dialer = netDialer{}

const dataReadBufferSize = 32 * 1024

// Transfer drives one active download end to end: it sends the XDCC
// request, negotiates SEND/RESUME/ACCEPT over CTCP, then pumps bytes on
// the TCP data channel while writing them to a store.PartialFile and
// acknowledging every chunk.
type Transfer struct {
	botNick    string
	ourNick    string
	packNumber string
	dest       *store.Destination
	irc        IRCSession
	dialer     Dialer

	progressInterval time.Duration
	idleTimeout      time.Duration

	events chan Event

	mu          sync.Mutex
	state       State
	pack        PackInfo
	finished    bool
	cancelled   bool
	unsubscribe func()
	conn        net.Conn
	partial     *store.PartialFile

	received int64 // atomic

	cancelCh    chan struct{}
	killOnce    sync.Once
	onTerminal  func(Event)
	onPackKnown func(PackInfo)
	onProgress  func(Event)
}

// Options configures a Transfer beyond its required identity and
// collaborators. Zero values fall back to the protocol defaults.
type Options struct {
	Dialer           Dialer
	ProgressInterval time.Duration
	IdleTimeout      time.Duration
	EventBuffer      int

	// OnTerminal, if set, is called exactly once with the transfer's final
	// Complete or Error event, synchronously and before that event reaches
	// Events(). It lets a single owner (the registry, through the
	// supervisor) observe completion for bookkeeping like scheduling a
	// registry entry's removal, without becoming a second consumer of the
	// events channel: Events() may have no reader left by the time a
	// terminal event fires (an API client can detach mid-transfer), so
	// bookkeeping that must always run cannot depend on that channel being
	// drained.
	OnTerminal func(Event)

	// OnPackKnown, if set, is called once the negotiated DCC SEND has been
	// parsed and this Transfer's PackInfo is final, before any RESUME offer
	// goes out. The registry uses it to promote a request from its
	// pending-by-botnick index into its keyed index: a request exists in
	// the registry before the bot answers, but its lookup key isn't known
	// until it does.
	OnPackKnown func(PackInfo)

	// OnProgress, if set, is called synchronously on every progress tick
	// alongside the Progress event sent to Events(). The supervisor uses it
	// to drive percent-throttled log lines independently of the
	// unthrottled client-facing envelope stream.
	OnProgress func(Event)
}

// New builds a Transfer for the given bot nick and pack number. dest is
// where the finished file (and its working .part file) will live; irc is
// the session used to negotiate; the returned Transfer does not start
// running until Start is called.
func New(botNick, ourNick, packNumber string, dest *store.Destination, irc IRCSession, opts Options) *Transfer {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = DefaultDialer
	}
	progressInterval := opts.ProgressInterval
	if progressInterval <= 0 {
		progressInterval = time.Second
	}
	idleTimeout := opts.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	bufSize := opts.EventBuffer
	if bufSize <= 0 {
		bufSize = 64
	}

	return &Transfer{
		botNick:          botNick,
		ourNick:          ourNick,
		packNumber:       packNumber,
		dest:             dest,
		irc:              irc,
		dialer:           dialer,
		progressInterval: progressInterval,
		idleTimeout:      idleTimeout,
		events:           make(chan Event, bufSize),
		state:            StateInit,
		cancelCh:         make(chan struct{}),
		onTerminal:       opts.OnTerminal,
		onPackKnown:      opts.OnPackKnown,
		onProgress:       opts.OnProgress,
	}
}

// Events returns the channel Connect/Progress/Complete/Error events are
// delivered on. Exactly one of Complete or Error is emitted before the
// channel goes quiet.
func (t *Transfer) Events() <-chan Event {
	return t.events
}

// State returns the transfer's current state.
func (t *Transfer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Pack returns the negotiated PackInfo, which is the zero value until a
// DCC SEND has been parsed.
func (t *Transfer) Pack() PackInfo {
	return t.currentPack()
}

// Start begins the negotiation in its own goroutine, matching the
// one-task-per-Transfer scheduling model: one goroutine owns this
// Transfer's TCP socket, write stream, and progress timer for its entire
// life.
func (t *Transfer) Start() {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				t.fail(fmt.Errorf("xfer: transfer panicked: %v", r))
			}
		}()
		t.run()
	}()
}

// Cancel sends "XDCC CANCEL" to the bot and kills the transfer. The
// peer-side close that follows is treated as the canceled path rather than
// an error.
func (t *Transfer) Cancel() {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	t.mu.Unlock()

	_ = t.irc.SendPrivmsg(t.botNick, "XDCC CANCEL")

	select {
	case <-t.cancelCh:
	default:
		close(t.cancelCh)
	}

	t.kill(StateCancelled, &CancelledError{})
}

func (t *Transfer) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func (t *Transfer) currentPack() PackInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pack
}

func (t *Transfer) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Transfer) setConn(c net.Conn) {
	t.mu.Lock()
	t.conn = c
	t.mu.Unlock()
}

func (t *Transfer) emit(e Event) {
	if e.Kind == EventProgress || e.Kind == EventConnect {
		select {
		case t.events <- e:
		default:
		}
		return
	}
	// Complete and Error are the one terminal event a caller is guaranteed
	// to see; block rather than risk silently dropping it.
	t.events <- e
}

// kill is the idempotent shutdown path shared by every terminal outcome:
// drop the CTCP subscription, close the data socket and write stream, mark
// finished, and emit exactly one terminal event. Guarded by killOnce so a
// cancel racing a peer close only ever produces one event.
func (t *Transfer) kill(reason State, err error) {
	t.killOnce.Do(func() {
		t.setState(StateDone | reason)

		t.mu.Lock()
		unsub := t.unsubscribe
		conn := t.conn
		partial := t.partial
		t.finished = true
		t.mu.Unlock()

		if unsub != nil {
			unsub()
		}
		if conn != nil {
			_ = conn.Close()
		}
		if partial != nil {
			_ = partial.Close()
		}

		kind := EventError
		if reason == StateSucceeded {
			kind = EventComplete
		}
		e := Event{Kind: kind, Pack: t.currentPack(), Err: err}
		if t.onTerminal != nil {
			t.onTerminal(e)
		}
		t.emit(e)
	})
}

func (t *Transfer) fail(err error) {
	t.kill(StateErrored, err)
}

// complete closes out the successful path. The write stream itself is
// already closed by partial.Promote before this is called; the mutex read
// here still runs so a second close attempt against an already-closed
// file is the only cost, kept for the same reason kill closes under lock
// rather than trusting a caller's local reference.
func (t *Transfer) complete(path string, size int64) {
	t.killOnce.Do(func() {
		t.setState(StateDone | StateSucceeded)

		t.mu.Lock()
		unsub := t.unsubscribe
		conn := t.conn
		partial := t.partial
		t.finished = true
		t.mu.Unlock()

		if unsub != nil {
			unsub()
		}
		if conn != nil {
			_ = conn.Close()
		}
		if partial != nil {
			_ = partial.Close()
		}

		e := Event{Kind: EventComplete, Pack: t.currentPack(), Path: path, Size: size}
		if t.onTerminal != nil {
			t.onTerminal(e)
		}
		t.events <- e
	})
}

// run is the single linear sequence covering INIT -> AWAIT_SEND ->
// (AWAIT_ACCEPT ->) DOWNLOADING: explicit steps instead of nested
// callbacks, grounded on client.Transfer's negotiation loop.
func (t *Transfer) run() {
	t.setState(StateInit)

	if err := t.irc.SendPrivmsg(t.botNick, fmt.Sprintf("XDCC SEND #%s", t.packNumber)); err != nil {
		t.fail(&ConnectionError{Op: "send XDCC SEND", Err: err})
		return
	}

	ctcpCh := make(chan string, 16)
	unsubscribe := t.irc.SubscribeCTCP(func(sender, target, payload string) {
		if sender != t.botNick || target != t.ourNick || !strings.HasPrefix(payload, "DCC ") {
			return
		}
		select {
		case ctcpCh <- strings.TrimPrefix(payload, "DCC "):
		default:
		}
	})
	t.mu.Lock()
	t.unsubscribe = unsubscribe
	t.mu.Unlock()

	t.setState(StateAwaitSend)

	for {
		select {
		case <-t.cancelCh:
			return
		case payload := <-ctcpCh:
			msg, err := dcc.Parse(payload)
			if err != nil {
				t.fail(fmt.Errorf("xfer: parse DCC payload: %w", err))
				return
			}

			switch t.State() {
			case StateAwaitSend:
				if msg.Command != dcc.CommandSend {
					t.fail(&UnknownCommandError{Command: string(msg.Command)})
					return
				}
				if t.handleSend(msg) {
					t.download()
					return
				}
			case StateAwaitAccept:
				if msg.Command != dcc.CommandAccept {
					t.fail(&UnknownCommandError{Command: string(msg.Command)})
					return
				}
				if t.handleAccept(msg) {
					t.download()
					return
				}
			}
		}
		if t.isCancelled() {
			return
		}
	}
}

// handleSend applies a parsed DCC SEND: opens (or resumes) the working
// file, and either issues a RESUME offer or reports the transfer ready to
// start downloading immediately. Returns true once the caller should
// proceed straight to download().
func (t *Transfer) handleSend(msg *dcc.Message) bool {
	pack := PackInfo{
		Filename:   msg.Filename,
		PeerIP:     msg.PeerIP,
		PeerPort:   msg.PeerPort,
		FileSize:   msg.FileSize,
		PackNumber: t.packNumber,
	}

	partial, err := t.dest.Open(pack.Filename, true)
	if err != nil {
		t.fail(fmt.Errorf("xfer: open destination for %s: %w", pack.Filename, err))
		return false
	}

	if partial.Offset > 0 {
		pack.ResumePos = uint64(partial.Offset)
	}

	t.mu.Lock()
	t.pack = pack
	t.partial = partial
	t.mu.Unlock()
	atomic.StoreInt64(&t.received, partial.Offset)

	if t.onPackKnown != nil {
		t.onPackKnown(pack)
	}

	if pack.ResumePos == 0 {
		t.setState(StateDownloading)
		return true
	}

	verb, text := dcc.EncodeResume(pack.Filename, pack.PeerPort, pack.ResumePos)
	if err := t.irc.SendCTCP(t.botNick, verb, text); err != nil {
		t.fail(&ConnectionError{Op: "send RESUME", Err: err})
		return false
	}
	t.setState(StateAwaitAccept)
	return false
}

// handleAccept validates a DCC ACCEPT against the RESUME offer this
// transfer made. A mismatch on any field is a protocol error, not a retry
// opportunity.
func (t *Transfer) handleAccept(msg *dcc.Message) bool {
	pack := t.currentPack()
	if msg.Filename != pack.Filename || msg.PeerPort != pack.PeerPort || msg.Offset != pack.ResumePos {
		t.fail(&AcceptMismatchError{
			WantFilename: pack.Filename,
			WantPort:     pack.PeerPort,
			WantOffset:   pack.ResumePos,
			GotFilename:  msg.Filename,
			GotPort:      msg.PeerPort,
			GotOffset:    msg.Offset,
		})
		return false
	}
	t.setState(StateDownloading)
	return true
}

// download opens the TCP data channel and pumps bytes until the peer
// closes, an error occurs, or the transfer is cancelled. It is reached
// only once negotiation has produced a PackInfo and a PartialFile.
func (t *Transfer) download() {
	pack := t.currentPack()
	t.mu.Lock()
	partial := t.partial
	t.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", pack.PeerIP.String(), pack.PeerPort)
	rawConn, err := t.dialer.Dial("tcp", addr)
	if err != nil {
		t.fail(&ConnectionError{Op: "dial data channel", Err: err})
		return
	}
	conn := netio.NewConn(rawConn, t.idleTimeout)
	t.setConn(conn)

	t.emit(Event{Kind: EventConnect, Pack: pack})

	startTime := time.Now()
	stopProgress := make(chan struct{})
	go t.progressLoop(stopProgress, pack, startTime)
	defer close(stopProgress)

	ack := uint32(pack.ResumePos)
	buf := make([]byte, dataReadBufferSize)

	var readErr error
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := partial.Write(buf[:n]); werr != nil {
				readErr = werr
				break
			}
			atomic.AddInt64(&t.received, int64(n))
			ack = dcc.NextAck(ack, n)
			if aerr := dcc.WriteAck(conn, ack); aerr != nil {
				readErr = aerr
				break
			}
		}
		if err != nil {
			readErr = err
			break
		}
	}

	received := atomic.LoadInt64(&t.received)
	// On an in-memory pipe, a peer that closes right after its last chunk
	// makes the ACK write fail with io.ErrClosedPipe rather than the next
	// read returning io.EOF. Unless this side was cancelled (which closes
	// the socket locally), that is the same peer close.
	peerClosedCleanly := errors.Is(readErr, io.EOF) ||
		(errors.Is(readErr, io.ErrClosedPipe) && !t.isCancelled())
	sizeReached := pack.FileSize > 0 && received == int64(pack.FileSize)

	if sizeReached || (pack.FileSize == 0 && peerClosedCleanly) {
		if err := partial.Promote(); err != nil {
			t.fail(fmt.Errorf("xfer: promote %s: %w", pack.Filename, err))
			return
		}
		t.complete(t.dest.FinalPath(pack.Filename), received)
		return
	}

	switch {
	case t.isCancelled():
		t.fail(&CancelledError{})
	case peerClosedCleanly:
		t.fail(&SizeMismatchError{Received: received, FileSize: int64(pack.FileSize)})
	default:
		t.fail(&ConnectionError{Op: "read data channel", Err: readErr})
	}
}

// progressLoop emits a Progress event on every tick: percent floored and
// capped at 100, speed_recent over the tick interval, speed_avg over the
// transfer's whole lifetime, and an ETA against whichever speed is
// nonzero, preferring the recent one.
func (t *Transfer) progressLoop(stop <-chan struct{}, pack PackInfo, startTime time.Time) {
	ticker := time.NewTicker(t.progressInterval)
	defer ticker.Stop()

	lastReceived := int64(pack.ResumePos)
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			received := atomic.LoadInt64(&t.received)

			var percent int
			if pack.FileSize > 0 {
				percent = int(min64(100, received*100/int64(pack.FileSize)))
			}

			speedRecent := float64(received-lastReceived) / t.progressInterval.Seconds()
			elapsed := now.Sub(startTime).Seconds()
			var speedAvg float64
			if elapsed > 0 {
				speedAvg = float64(received) / elapsed
			}

			denom := speedRecent
			if denom <= 0 {
				denom = speedAvg
			}

			var eta time.Duration
			if denom > 0 && pack.FileSize > 0 {
				remaining := float64(int64(pack.FileSize) - received)
				eta = time.Duration(remaining / denom * float64(time.Second))
			}

			lastReceived = received

			e := Event{
				Kind:     EventProgress,
				Pack:     pack,
				Received: received,
				Total:    int64(pack.FileSize),
				Percent:  percent,
				Speed:    speedRecent,
				ETA:      eta,
			}
			if t.onProgress != nil {
				t.onProgress(e)
			}
			t.emit(e)
		}
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
