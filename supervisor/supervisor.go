// Package supervisor is the process owner: it wires together the IRC
// session, the transfer registry, and the API front end, and implements
// api.Dispatcher so the front end never has to know how a request turns
// into a running Transfer. Lifecycle management (Connect/Disconnect,
// mutex-guarded state, a stopCh/doneCh pair) is grounded on
// client.Client's Connect/Disconnect.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/llehouerou/xdccd/api"
	"github.com/llehouerou/xdccd/config"
	"github.com/llehouerou/xdccd/ircsession"
	"github.com/llehouerou/xdccd/store"
	"github.com/llehouerou/xdccd/xfer"
)

const (
	gcInterval   = 30 * time.Minute
	gcMaxAge     = time.Hour
	removalGrace = 500 * time.Millisecond
	shutdownWait = 5 * time.Second
)

// Supervisor owns one IRC session, one registry, and the API listener built
// on top of them. It is the single Dispatcher the api package talks to.
type Supervisor struct {
	cfg     *config.Config
	session *ircsession.Session
	dest    *store.Destination
	log     *logrus.Entry

	registry *xfer.Registry
	server   *api.Server

	progressOut io.Writer
	progressMu  sync.Mutex

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New builds a Supervisor from cfg. It does not connect to IRC or start the
// API listener; call Run for that.
func New(cfg *config.Config, log *logrus.Entry) (*Supervisor, error) {
	dest, err := store.NewDestination(cfg.FileDestination)
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}

	s := &Supervisor{
		cfg:         cfg,
		session:     ircsession.New(cfg.IRCNick, cfg.IRCNick, log.WithField("component", "irc")),
		dest:        dest,
		log:         log,
		registry:    xfer.NewRegistry(),
		progressOut: log.Logger.Out,
	}
	s.server = api.NewServer(s, log.WithField("component", "api"))
	return s, nil
}

// Dispatch implements api.Dispatcher. It files a pending registry entry
// under the request's bot nick, builds the Transfer that will negotiate
// and run the download, and starts it. The Transfer promotes itself into
// the registry's keyed index once its DCC SEND is parsed, and schedules
// its own removal once it reaches a terminal state.
func (s *Supervisor) Dispatch(req api.DownloadRequest, socket net.Conn) (*xfer.Transfer, error) {
	entry := &xfer.Entry{
		Socket:       socket,
		BotNick:      req.BotName,
		PackNumber:   req.PackNumber,
		SendProgress: req.SendProgress,
		StartTime:    time.Now(),
	}
	s.registry.InsertPending(req.BotName, entry)

	log := s.log.WithFields(logrus.Fields{"bot": req.BotName, "pack": req.PackNumber})
	lastLoggedPercent := -1

	tr := xfer.New(req.BotName, s.session.OurNick(), req.PackNumber, s.dest, s.session.XferSession(), xfer.Options{
		ProgressInterval: time.Duration(s.cfg.ProgressInterval) * time.Second,

		OnPackKnown: func(pack xfer.PackInfo) {
			key, _, ok := s.registry.Promote(req.BotName, pack)
			if !ok {
				log.Warn("supervisor: pack known but no pending registry entry")
				return
			}
			log.WithField("filename", pack.Filename).WithField("key", key).Info("supervisor: negotiated pack")
		},

		OnProgress: func(e xfer.Event) {
			if !s.cfg.DisableProgressANSI {
				s.writeProgressLine(e)
				return
			}
			step := s.cfg.ProgressUpdatePercent
			if step <= 0 {
				step = 1
			}
			if e.Percent == lastLoggedPercent || e.Percent%step != 0 {
				return
			}
			lastLoggedPercent = e.Percent
			log.WithFields(logrus.Fields{
				"filename": e.Pack.Filename,
				"percent":  e.Percent,
				"received": formatBytes(e.Received),
				"total":    formatBytes(e.Total),
				"speed":    formatBytes(int64(e.Speed)) + "/s",
			}).Info("supervisor: progress")
		},

		OnTerminal: func(e xfer.Event) {
			if !s.cfg.DisableProgressANSI {
				s.endProgressLine()
			}
			key := e.Pack.RegistryKey()
			if e.Kind == xfer.EventComplete {
				log.WithField("path", e.Path).WithField("size", e.Size).Info("supervisor: transfer complete")
			} else {
				log.WithError(e.Err).Warn("supervisor: transfer failed")
			}
			s.registry.RemoveAfter(key, removalGrace)
		},
	})

	entry.Transfer = tr
	tr.Start()
	return tr, nil
}

// writeProgressLine rewrites a single terminal line in place using a
// carriage return and an ANSI erase-to-end-of-line, instead of the
// percent-throttled log lines OnProgress otherwise emits. It fires on
// every tick since overwriting in place has none of the log-spam cost a
// line-per-update would.
func (s *Supervisor) writeProgressLine(e xfer.Event) {
	s.progressMu.Lock()
	defer s.progressMu.Unlock()
	fmt.Fprintf(s.progressOut, "\r\x1b[K%s: %d%% %s/%s %s/s",
		e.Pack.Filename, e.Percent, formatBytes(e.Received), formatBytes(e.Total),
		formatBytes(int64(e.Speed)))
}

// endProgressLine moves past a rewritten progress line so the terminal
// event's own log line doesn't land on top of it.
func (s *Supervisor) endProgressLine() {
	s.progressMu.Lock()
	defer s.progressMu.Unlock()
	fmt.Fprintln(s.progressOut)
}

// Detach implements api.Dispatcher: the API socket for this request is
// gone, but the Transfer it started keeps running to completion.
func (s *Supervisor) Detach(socket net.Conn) {
	s.registry.DetachSocket(socket)
}

// Run connects to IRC, joins the configured channel, starts the API
// listener and the registry's GC sweep, and blocks until ctx is cancelled
// or the IRC session disconnects on its own, then shuts down gracefully
// before returning. If connecting to IRC or starting the listener fails,
// Run returns that error without the graceful shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	if err := s.session.Connect(s.cfg.IRCServer, s.cfg.IRCChannel); err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}

	go func() {
		defer close(s.doneCh)
		s.session.Loop()
	}()

	if err := s.server.Start(s.cfg.Host, s.cfg.Port); err != nil {
		s.session.Quit("startup failed")
		return fmt.Errorf("supervisor: %w", err)
	}

	s.registry.StartGC(gcInterval, gcMaxAge)

	select {
	case <-ctx.Done():
	case <-s.doneCh:
		s.log.Warn("supervisor: irc session ended on its own")
	case <-s.stopCh:
	}

	return s.shutdown()
}

// Stop signals Run to begin shutting down. Safe to call once.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running && s.stopCh != nil {
		select {
		case <-s.stopCh:
		default:
			close(s.stopCh)
		}
	}
}

func (s *Supervisor) shutdown() error {
	s.log.Info("supervisor: shutting down")

	s.registry.StopGC()
	_ = s.server.Stop()

	drainTerminalEvents(s.registry, shutdownWait)

	s.session.Quit("shutting down")
	<-s.doneCh

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	return nil
}

// drainTerminalEvents gives in-flight transfers a bounded grace period to
// reach a terminal state before the process exits, matching the graceful
// shutdown behavior client.Client.Disconnect gives its read loop via
// doneCh, generalized here to N concurrent Transfers instead of one.
func drainTerminalEvents(registry *xfer.Registry, wait time.Duration) {
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		live := false
		for _, e := range registry.All() {
			if !e.Transfer.State().IsDone() {
				live = true
				break
			}
		}
		if !live {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// WaitForSignal blocks until SIGINT or SIGTERM arrives, mirroring
// cmd/poc/main.go's helper of the same shape.
func WaitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
