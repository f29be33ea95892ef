// Package ircsession wraps github.com/thoj/go-ircevent into the narrow
// dependency the download engine actually needs: send a PRIVMSG or CTCP to
// a nick, and subscribe to incoming CTCP traffic. Each Transfer gets an
// explicit handle to it rather than reaching for a global IRC client.
package ircsession

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	irc "github.com/thoj/go-ircevent"

	"github.com/llehouerou/xdccd/xfer"
)

// Session owns one IRC connection: the channel it joins, the CTCP
// subscribers routed off its single library callback, and the nick
// identity Transfers filter incoming CTCP against.
type Session struct {
	conn    *irc.Connection
	router  *ctcpRouter
	ourNick string
	log     *logrus.Entry
}

// New creates a Session bound to nick/user, ready to Connect. log receives
// the disconnect warning; individual messages are not logged. Pass logrus.NewEntry
// with your own fields already attached rather than the bare package
// logger.
func New(nick, user string, log *logrus.Entry) *Session {
	conn := irc.IRC(nick, user)
	s := &Session{
		conn:    conn,
		router:  newCTCPRouter(),
		ourNick: nick,
		log:     log,
	}

	conn.AddCallback("CTCP", func(e *irc.Event) {
		target := ""
		if len(e.Arguments) > 0 {
			target = e.Arguments[0]
		}
		s.router.Dispatch(e.Nick, target, e.Message())
	})

	conn.AddCallback("DISCONNECTED", func(e *irc.Event) {
		s.log.Warn("irc: disconnected")
	})

	return s
}

// Connect dials the IRC server and joins channel once registration
// completes. It blocks until the connection attempt itself resolves;
// message processing happens on the goroutine started by Loop.
func (s *Session) Connect(server, channel string) error {
	if err := s.conn.Connect(server); err != nil {
		return fmt.Errorf("ircsession: connect %s: %w", server, err)
	}
	s.conn.AddCallback("001", func(e *irc.Event) {
		s.conn.Join(channel)
	})
	return nil
}

// Loop runs the connection's read loop until disconnected. Call it in its
// own goroutine; it is the one IRC session task the concurrency model
// describes.
func (s *Session) Loop() {
	s.conn.Loop()
}

// Quit sends a QUIT with message and closes the connection.
func (s *Session) Quit(message string) {
	s.conn.QuitMessage = message
	s.conn.Quit()
}

// Connected reports whether the underlying connection believes it is
// registered with the server.
func (s *Session) Connected() bool {
	return s.conn.Connected()
}

// OurNick returns the nick this session registered with, the identity
// Transfers filter incoming CTCP traffic against.
func (s *Session) OurNick() string {
	return s.ourNick
}

// SendPrivmsg sends a plain PRIVMSG to nick.
func (s *Session) SendPrivmsg(nick, text string) error {
	if !s.conn.Connected() {
		return fmt.Errorf("ircsession: send to %s: not connected", nick)
	}
	s.conn.Privmsg(nick, text)
	return nil
}

// SendCTCP sends a CTCP-wrapped PRIVMSG to nick: "\x01<verb> <text>\x01".
func (s *Session) SendCTCP(nick, verb, text string) error {
	if !s.conn.Connected() {
		return fmt.Errorf("ircsession: send CTCP to %s: not connected", nick)
	}
	s.conn.Privmsg(nick, formatCTCP(verb, text))
	return nil
}

func formatCTCP(verb, text string) string {
	var b strings.Builder
	b.WriteByte('\x01')
	b.WriteString(verb)
	b.WriteByte(' ')
	b.WriteString(text)
	b.WriteByte('\x01')
	return b.String()
}

// SubscribeCTCP registers handler for every incoming CTCP message and
// returns an unsubscribe function. Multiple Transfers subscribe
// concurrently; each filters for its own bot nick and target.
func (s *Session) SubscribeCTCP(handler func(sender, target, payload string)) func() {
	id := s.router.Register(handler)
	return func() { s.router.Unregister(id) }
}

// XferSession adapts this Session to the function-struct xfer.Transfer
// depends on, so the supervisor never has to hand-wire the three methods
// itself.
func (s *Session) XferSession() xfer.IRCSession {
	return xfer.IRCSession{
		SendPrivmsg:   s.SendPrivmsg,
		SendCTCP:      s.SendCTCP,
		SubscribeCTCP: s.SubscribeCTCP,
	}
}
