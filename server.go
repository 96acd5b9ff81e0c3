/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package coophttp

import (
	"crypto/tls"
	"log"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/tymeloop/coophttp/clock"
)

// connEntry is the Server's per-connection bookkeeping: a Connection
// plus whichever of {RequestParser, Dispatcher} is currently in
// flight for it (spec §3's "Server state ... a map peerAddr →
// (Connection, Request-in-progress?, Response-in-progress?)"; keyed
// here by the Acceptor's per-accept monotonic id rather than bare
// peerAddr, per the design note guarding against same-port reuse
// ambiguity).
type connEntry struct {
	conn       *Connection
	parser     *RequestParser
	dispatcher *Dispatcher
}

// Server binds Acceptor, RequestParser, Dispatcher and ResponseWriter
// into the single per-tick Service() entry point (C8).
type Server struct {
	// App is the opaque user callable every completed request is
	// dispatched to. Required.
	App Application

	// Scheme is "http" or "https", surfaced to the Application as
	// environ's url_scheme.
	Scheme string

	// ServerName/ServerPort/ServerVersion fill the SERVER_NAME,
	// SERVER_PORT and server_version environ entries.
	ServerName    string
	ServerPort    string
	ServerVersion string

	// IdleTimeout is the default virtual-time idle duration (in the
	// Clock's nanosecond units) applied to a non-persistent
	// connection's Timer; 0 disables idle reaping entirely.
	IdleTimeout int64

	// Clock is the virtual-time source every Timer on every
	// Connection shares. Required.
	Clock *clock.Clock

	// Logger receives structured diagnostics (TLS handshake aborts,
	// premature closures, receive/send and parser errors, Application
	// panics and errors). Accept errors are not logged: ServiceAccepts
	// stops draining for the tick without reporting them. With a nil
	// Logger the Server's own diagnostics fall back to ErrorLog,
	// matching the teacher's ErrorLog field for callers that have not
	// adopted logrus; Application panics and errors are then not logged.
	Logger   *logrus.Logger
	ErrorLog *log.Logger

	acceptor *Acceptor
	conns    map[uint64]*connEntry
}

// ListenAndServe binds a listening endpoint at addr (optionally TLS,
// when tlsConfig is non-nil) and returns a Server ready to be Serviced
// on a tick-by-tick basis by the caller's own scheduler. It does not
// run a loop itself: the cooperative model requires the caller to call
// Service() repeatedly (spec §5: "exactly one logical worker that
// calls Server.service() repeatedly").
func (s *Server) ListenAndServe(network, addr string, tlsConfig *tls.Config) error {
	if tlsConfig != nil {
		s.Scheme = SchemeHTTPS
	} else if s.Scheme == "" {
		s.Scheme = SchemeHTTP
	}
	acceptor, err := Listen(network, addr, tlsConfig, s.Clock)
	if err != nil {
		return err
	}
	s.acceptor = acceptor
	s.conns = make(map[uint64]*connEntry)

	host, port := splitHostPort(addr)
	if s.ServerName == "" {
		s.ServerName = normalizeBindHost(host)
	}
	if s.ServerPort == "" {
		s.ServerPort = port
	}
	return nil
}

// Addr returns the bound listening address.
func (s *Server) Addr() string {
	if s.acceptor == nil {
		return ""
	}
	return s.acceptor.Addr().String()
}

// Service runs exactly one scheduler tick (spec §4.6): accept/connect,
// reap, receive, parse, dispatch, send — in that order, never blocking.
func (s *Server) Service() {
	s.serviceAcceptsAndConnects()
	s.reap()
	s.serviceReceivesAll()
	s.serviceReqs()
	s.serviceReps()
	s.serviceSendsAll()
}

func (s *Server) serviceAcceptsAndConnects() {
	s.acceptor.ServiceAccepts()
	ready, aborted := s.acceptor.ServiceConnects(s.IdleTimeout)
	if aborted > 0 {
		s.logf(nil, "coophttp: %d TLS handshake(s) aborted", aborted)
	}
	for _, conn := range ready {
		s.conns[conn.ID] = &connEntry{conn: conn, parser: NewRequestParser(s.IdleTimeout)}
	}
}

// reap closes every connection eligible for removal: cutoff with an
// empty outbound buffer (spec §8 invariant 4 — cutoff alone is not
// enough if bytes are still draining to the peer). An expired idle
// timer is treated as setting cutoff, so it goes through the same
// drain-respecting check rather than closing out from under a
// still-flushing outbound buffer.
func (s *Server) reap() {
	for id, entry := range s.conns {
		conn := entry.conn
		if conn.idle != nil && conn.idle.Expired() {
			conn.cutoff = true
		}
		if conn.cutoff && len(conn.outbound) == 0 {
			conn.Close()
			delete(s.conns, id)
		}
	}
}

// serviceReceivesAll drives one non-blocking read per connection.
func (s *Server) serviceReceivesAll() {
	for _, entry := range s.conns {
		if err := entry.conn.ServiceReceive(); err != nil {
			s.logf(entry.conn, "coophttp: receive error: %v", err)
		}
	}
}

// serviceReqs advances the RequestParser for every connection that
// does not already have a response in flight.
func (s *Server) serviceReqs() {
	for id, entry := range s.conns {
		if entry.dispatcher != nil {
			continue
		}
		result, err := entry.parser.Step(entry.conn)
		switch result {
		case StepNeedMore:
			continue
		case StepError:
			s.failRequest(id, entry, err)
		case StepDone:
			req := entry.parser.Request()
			entry.dispatcher = NewDispatcher(entry.conn, req, s.App, s.Scheme, s.ServerName, s.ServerPort, s.ServerVersion, s.Logger)
		}
	}
}

// failRequest maps a parser error to a response when one can still be
// sent, per spec §7, and otherwise closes the connection outright.
func (s *Server) failRequest(id uint64, entry *connEntry, err error) {
	switch e := err.(type) {
	case *PrematureClosureError:
		// Fatal for the connection; never reported to the peer.
		s.logf(entry.conn, "coophttp: premature closure: %v", e)
		entry.conn.Close()
		delete(s.conns, id)
	case *BadRequestError:
		s.sendSimpleErrorAndClose(entry, 400, "Bad Request", e.Reason)
	case *LengthInvalidError:
		s.sendSimpleErrorAndClose(entry, 411, "Length Required", e.Error())
	default:
		s.logf(entry.conn, "coophttp: parser error: %v", err)
		entry.conn.Close()
		delete(s.conns, id)
	}
}

// sendSimpleErrorAndClose queues a minimal identity-framed error
// response and marks the connection for close once drained: these
// happen before a Request ever reaches a Dispatcher, so there is no
// ResponseWriter yet to route through.
func (s *Server) sendSimpleErrorAndClose(entry *connEntry, status int, reason, body string) {
	bodyBytes := []byte(body)
	resp := "HTTP/1.1 " + strconv.Itoa(status) + " " + reason + "\r\n" +
		"Content-Type: text/plain\r\n" +
		"Content-Length: " + strconv.Itoa(len(bodyBytes)) + "\r\n" +
		"Connection: close\r\n\r\n" + body
	entry.conn.QueueSend([]byte(resp))
	entry.conn.cutoff = true // drains outbound, then reap() closes it
}

// serviceReps advances the Dispatcher one step for every connection
// that has a response in flight, handling end-of-response per spec
// §4.6 step 5.
func (s *Server) serviceReps() {
	for id, entry := range s.conns {
		if entry.dispatcher == nil {
			continue
		}
		if entry.dispatcher.Step() != dispatchEnded {
			continue
		}
		req := entry.parser.Request()
		if req.Persisted && !entry.dispatcher.ForceClose() {
			entry.parser.reset()
			entry.dispatcher = nil
			continue
		}
		if len(entry.conn.outbound) == 0 {
			entry.conn.Close()
			delete(s.conns, id)
		} else {
			entry.conn.cutoff = true
		}
	}
}

// serviceSendsAll drives one non-blocking write per connection.
func (s *Server) serviceSendsAll() {
	for _, entry := range s.conns {
		if err := entry.conn.ServiceSend(); err != nil {
			s.logf(entry.conn, "coophttp: send error: %v", err)
		}
	}
}

// Idle reports whether no request is in-flight and no response is
// pending across every connection (spec §4.6), useful for tests and a
// graceful-shutdown poll loop.
func (s *Server) Idle() bool {
	for _, entry := range s.conns {
		if entry.dispatcher != nil {
			return false
		}
		if len(entry.conn.inbound) > 0 {
			return false
		}
		if entry.parser.state != stateStartLine {
			return false
		}
	}
	return true
}

// Close stops accepting new connections and closes every tracked
// connection, best-effort flushing any still-outstanding send first
// (spec §5's cooperative shutdown).
func (s *Server) Close() error {
	for _, entry := range s.conns {
		entry.conn.ServiceSend()
		entry.conn.Close()
	}
	s.conns = make(map[uint64]*connEntry)
	if s.acceptor != nil {
		return s.acceptor.Close()
	}
	return nil
}

func (s *Server) logf(conn *Connection, format string, args ...interface{}) {
	if s.Logger != nil {
		entry := s.Logger.WithField("component", "server")
		if conn != nil {
			entry = entry.WithField("peer", conn.PeerAddr)
		}
		entry.Printf(format, args...)
		return
	}
	if s.ErrorLog != nil {
		s.ErrorLog.Printf(format, args...)
	}
}
