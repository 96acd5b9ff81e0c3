/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package coophttp

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/tymeloop/coophttp/clock"
)

// acceptedPair is one drained-but-not-yet-promoted accept result,
// matching the Acceptor/Listener contract's "deque of pending
// (clientSocket, peerAddr) pairs" (spec §4.2).
type acceptedPair struct {
	raw      net.Conn
	peerAddr string
}

// Acceptor is the non-blocking listening endpoint (C4): it drains the
// OS accept queue a tick at a time, and for TLS listeners drives every
// staged handshake a tick at a time before promoting the connection.
type Acceptor struct {
	ln        *net.TCPListener
	tlsConfig *tls.Config
	clock     *clock.Clock

	nextID uint64

	pending []acceptedPair       // drained accepts awaiting serviceConnects
	staged  map[uint64]*Connection // TLS-only: accepted but still handshaking ("cxes")
}

// Listen binds a non-blocking listening endpoint to network/addr with
// SO_REUSEADDR, large send/recv buffers (the receive size halved on
// Linux for its doubled getsockopt read-back), and
// a backlog of at least 5 (spec §4.2). If tlsConfig is non-nil,
// accepted connections start in the staged-handshake state instead of
// being immediately ready.
func Listen(network, addr string, tlsConfig *tls.Config, clk *clock.Clock) (*Acceptor, error) {
	lc := net.ListenConfig{Control: controlSetListenSockOpts}
	pc, err := lc.Listen(context.Background(), network, addr)
	if err != nil {
		return nil, err
	}
	ln := pc.(*net.TCPListener)
	return &Acceptor{
		ln:        ln,
		tlsConfig: tlsConfig,
		clock:     clk,
		staged:    make(map[uint64]*Connection),
	}, nil
}

// Addr returns the bound local address.
func (a *Acceptor) Addr() net.Addr { return a.ln.Addr() }

// Close stops accepting new connections. Already-accepted connections
// are unaffected; the Server's shutdown path closes those separately.
func (a *Acceptor) Close() error { return a.ln.Close() }

// ServiceAccepts drains the accept queue into a.pending until the OS
// reports would-block, matching the "serviceAccepts" tick step.
func (a *Acceptor) ServiceAccepts() {
	for {
		a.ln.SetDeadline(aLongTimeAgo)
		conn, err := a.ln.AcceptTCP()
		a.ln.SetDeadline(time.Time{})
		if err != nil {
			// Would-block (our synthetic deadline) or a transient
			// per-connection accept error: either way, stop for this
			// tick. The listener itself is never replaced (spec §4.2).
			return
		}
		peerAddr := conn.RemoteAddr().String()
		// Defensive parity with spec §4.2's spoofed-accept-result
		// check: Go's netpoller makes peerAddr/listenPort mismatches
		// structurally impossible, but the comparison is cheap and
		// documents the invariant the original enforces explicitly.
		if !addrPortMatches(a.ln.Addr(), conn.LocalAddr()) {
			conn.Close()
			continue
		}
		a.pending = append(a.pending, acceptedPair{raw: conn, peerAddr: peerAddr})
	}
}

// ServiceConnects converts every pending accept into a Connection. For
// a plain listener every pair is immediately ready; for a TLS listener
// new pairs are staged and every already-staged handshake advances one
// step, promoting on success or discarding on abort.
func (a *Acceptor) ServiceConnects(idleDuration int64) (ready []*Connection, aborted int) {
	for _, p := range a.pending {
		a.nextID++
		id := a.nextID
		conn := newConnection(id, p.raw, a.tlsConfig, a.clock.NewTimer(idleDuration), idleDuration)
		if a.tlsConfig == nil {
			ready = append(ready, conn)
			continue
		}
		a.staged[id] = conn
	}
	a.pending = a.pending[:0]

	for id, conn := range a.staged {
		switch conn.StepHandshake() {
		case handshakeDone:
			delete(a.staged, id)
			ready = append(ready, conn)
		case handshakeAborted:
			delete(a.staged, id)
			conn.Close()
			aborted++
		case handshakePending:
			// try again next tick
		}
	}
	return ready, aborted
}

// normalizeBindHost maps the any-interface hosts ("", "0.0.0.0", "::")
// to a concrete loopback address, per spec §4.2, for use as a TLS
// SNI/server-name hint when one is required.
func normalizeBindHost(host string) string {
	switch host {
	case "", "0.0.0.0", "::":
		return "127.0.0.1"
	default:
		return host
	}
}

func addrPortMatches(listen, local net.Addr) bool {
	lt, ok1 := listen.(*net.TCPAddr)
	lc, ok2 := local.(*net.TCPAddr)
	if !ok1 || !ok2 {
		return true
	}
	return lt.Port == lc.Port
}
