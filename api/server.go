// Package api is the request-submission front end: a small TCP listener
// that reads one JSON DownloadRequest per connection, hands it to a
// Dispatcher, and forwards the resulting Transfer's events back to the
// client as concatenated JSON envelopes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/llehouerou/xdccd/netio"
	"github.com/llehouerou/xdccd/xfer"
)

const defaultMaxRequestBytes = 10000

// Dispatcher is the supervisor's half of the front end: given a validated
// request and the client socket it arrived on, start (or attach to) the
// Transfer that will serve it. Detach is called once the API socket is
// known to be gone so the registry can drop its reference while the
// Transfer keeps running. Kept as an interface so package api never
// imports package supervisor.
type Dispatcher interface {
	Dispatch(req DownloadRequest, socket net.Conn) (*xfer.Transfer, error)
	Detach(socket net.Conn)
}

// Server accepts API connections, grounded on client.Listener's
// accept-loop shape (context-cancelled accept loop, one goroutine per
// connection) but speaking a single JSON request per connection instead
// of a binary handshake.
type Server struct {
	dispatcher      Dispatcher
	idleTimeout     time.Duration
	maxRequestBytes int
	log             *logrus.Entry

	mu       sync.Mutex
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewServer builds a Server that dispatches through d and logs through log.
func NewServer(d Dispatcher, log *logrus.Entry) *Server {
	return &Server{
		dispatcher:      d,
		idleTimeout:     60 * time.Second,
		maxRequestBytes: defaultMaxRequestBytes,
		log:             log,
	}
}

// SetIdleTimeout overrides the 60s default idle timeout used on API
// sockets.
func (s *Server) SetIdleTimeout(d time.Duration) {
	s.idleTimeout = d
}

// Start binds host:port and begins accepting connections in the
// background.
func (s *Server) Start(host string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.New("api: server already started")
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen on %s: %w", addr, err)
	}

	s.listener = ln
	s.ctx, s.cancel = context.WithCancel(context.Background())

	go s.acceptLoop()

	return nil
}

// Addr returns the bound address, or nil if not started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops accepting new connections and closes the listener.
// In-flight connections finish on their own.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}

	s.cancel()
	err := s.listener.Close()
	s.listener = nil
	return err
}

func (s *Server) acceptLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				if s.log != nil {
					s.log.WithError(err).Warn("api: accept failed")
				}
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	wrapped := netio.NewConn(conn, s.idleTimeout)

	req, err := readRequest(wrapped, s.maxRequestBytes)
	if err != nil {
		message := "malformed request"
		if errors.Is(err, ErrRequestTooLarge) {
			message = "Request too large"
		}
		_ = writeEnvelope(wrapped, errorResponse{Status: "error", Message: message})
		return
	}

	if verr := req.Validate(); verr != nil {
		_ = writeEnvelope(wrapped, errorResponse{Status: "error", Message: verr.Error()})
		return
	}

	tr, err := s.dispatcher.Dispatch(*req, conn)
	if err != nil {
		_ = writeEnvelope(wrapped, errorResponse{Status: "error", Message: err.Error(), PackNumber: req.PackNumber})
		return
	}

	var detached atomic.Bool
	go s.watchForIdleOrClose(wrapped, conn, &detached)

	if writeEnvelope(wrapped, downloadingResponse{
		Status:     "downloading",
		Message:    fmt.Sprintf("Downloading pack %s from %s", req.PackNumber, req.BotName),
		PackNumber: req.PackNumber,
	}) != nil {
		s.markDetached(&detached, conn)
	}

	for e := range tr.Events() {
		var envelope any
		terminal := false

		switch e.Kind {
		case xfer.EventProgress:
			if !req.SendProgress {
				continue
			}
			envelope = progressResponse{
				Status:   "progress",
				Filename: e.Pack.Filename,
				Progress: e.Percent,
				Received: e.Received,
				Total:    e.Total,
			}
		case xfer.EventComplete:
			envelope = successResponse{
				Status:     "success",
				Filename:   e.Pack.Filename,
				Path:       e.Path,
				Size:       e.Size,
				PackNumber: req.PackNumber,
			}
			terminal = true
		case xfer.EventError:
			envelope = errorResponse{
				Status:     "error",
				Message:    e.Err.Error(),
				PackNumber: req.PackNumber,
			}
			terminal = true
		default:
			continue
		}

		if !detached.Load() {
			if writeEnvelope(wrapped, envelope) != nil {
				s.markDetached(&detached, conn)
			}
		}

		if terminal {
			if !detached.Load() {
				halfClose(conn)
			}
			return
		}
	}
}

// watchForIdleOrClose blocks on a single read: any outcome (unexpected
// client data, a clean close, or the 60s idle timeout firing) means the
// socket should be treated as gone for the purposes of event forwarding.
func (s *Server) watchForIdleOrClose(wrapped *netio.Conn, identity net.Conn, detached *atomic.Bool) {
	buf := make([]byte, 1)
	_, _ = wrapped.Read(buf)
	s.markDetached(detached, identity)
}

func (s *Server) markDetached(detached *atomic.Bool, conn net.Conn) {
	if detached.CompareAndSwap(false, true) {
		s.dispatcher.Detach(conn)
	}
}

// halfClose shuts down the write side once the terminal envelope has been
// flushed, matching the "half-close after flush" step in the front end's
// response sequence. Full close still happens via handleConnection's
// deferred conn.Close().
func halfClose(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}

func writeEnvelope(w interface{ Write([]byte) (int, error) }, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("api: marshal envelope: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("api: write envelope: %w", err)
	}
	return nil
}

type downloadingResponse struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	PackNumber string `json:"pack_number"`
}

type progressResponse struct {
	Status   string `json:"status"`
	Filename string `json:"filename"`
	Progress int    `json:"progress"`
	Received int64  `json:"received"`
	Total    int64  `json:"total"`
}

type successResponse struct {
	Status     string `json:"status"`
	Filename   string `json:"filename"`
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	PackNumber string `json:"pack_number"`
}

type errorResponse struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	PackNumber string `json:"pack_number,omitempty"`
}
