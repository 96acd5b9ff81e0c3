/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package coophttp

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/tymeloop/coophttp/clock"
)

// aLongTimeAgo is a non-zero time, far in the past. Setting a
// deadline of aLongTimeAgo (or, equivalently here, time.Now()) before
// a Read/Write forces it to either complete immediately with whatever
// is already available/buffered, or fail with a timeout; we use that
// failure as "would block" rather than treating it as fatal. Grounded
// on the pattern badu-http uses to interrupt an in-flight Read.
var aLongTimeAgo = time.Unix(1, 0)

const maxOutstandingWriteBytes = 64 << 10

// netErrClass is how a non-blocking read/write classifies whatever
// net.Conn handed back.
type netErrClass int

const (
	netOK netErrClass = iota
	netWouldBlock
	netClosed
	netFatal
)

// classifyNetError sorts an error returned from a deadline-forced
// Read/Write into would-block (the synthetic deadline expired with no
// data ready), closed (peer went away cleanly), or fatal (a genuine
// OS-level failure the connection cannot recover from).
func classifyNetError(err error) netErrClass {
	if err == nil {
		return netOK
	}
	if err == io.EOF {
		return netClosed
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return netWouldBlock
	}
	for _, fatal := range []error{
		syscall.ECONNRESET,
		syscall.ENETUNREACH,
		syscall.EHOSTUNREACH,
		syscall.ENETDOWN,
		syscall.EHOSTDOWN,
		syscall.ECONNREFUSED,
		syscall.EPIPE,
	} {
		if errors.Is(err, fatal) {
			return netFatal
		}
	}
	return netFatal
}

// handshakeStatus is the state of a staged TLS handshake.
type handshakeStatus int

const (
	handshakePending handshakeStatus = iota
	handshakeDone
	handshakeAborted
)

// Connection is one accepted peer, serviced cooperatively: every
// method here does at most one underlying syscall and never blocks,
// matching the accept/serve engine's non-blocking tick (spec §4.2).
type Connection struct {
	ID       uint64
	PeerAddr string

	raw net.Conn
	tls *tls.Conn // non-nil iff this connection is TLS

	handshakeDone bool

	inbound  []byte
	outbound []byte

	cutoff bool // peer half-closed or a fatal error was observed
	closed bool

	idle         *clock.Timer
	idleDuration int64
}

// newConnection wraps an accepted net.Conn. If tlsConfig is non-nil
// the connection starts in the staged-handshake state; otherwise it
// is immediately ready to receive application bytes. idleDuration must
// match whatever duration idle was already started with, so the first
// ServiceReceive's idle.Reset(c.idleDuration) rearms to the same
// duration instead of silently disabling the timer before the request
// has been parsed far enough to call SetIdleDuration itself.
func newConnection(id uint64, raw net.Conn, tlsConfig *tls.Config, idle *clock.Timer, idleDuration int64) *Connection {
	c := &Connection{ID: id, PeerAddr: raw.RemoteAddr().String(), raw: raw, idle: idle, idleDuration: idleDuration}
	if tlsConfig != nil {
		c.tls = tls.Server(raw, tlsConfig)
	} else {
		c.handshakeDone = true
	}
	return c
}

// SetIdleDuration changes the duration ServiceReceive rearms the idle
// timer to on every byte received, and immediately rearms it. Passing
// 0 disables idle reaping, per checkPersisted's contract for
// persistent connections.
func (c *Connection) SetIdleDuration(d int64) {
	c.idleDuration = d
	if c.idle != nil {
		c.idle.Reset(d)
	}
}

// netConn returns whichever of raw/tls should be used for I/O: the
// tls.Conn once present (it wraps raw internally), else raw directly.
func (c *Connection) netConn() net.Conn {
	if c.tls != nil {
		return c.tls
	}
	return c.raw
}

// StepHandshake advances a staged TLS handshake by at most one
// non-blocking attempt. Callers should keep calling this once per
// tick until it reports something other than handshakePending.
func (c *Connection) StepHandshake() handshakeStatus {
	if c.handshakeDone {
		return handshakeDone
	}
	c.raw.SetDeadline(aLongTimeAgo)
	defer c.raw.SetDeadline(time.Time{})

	err := c.tls.Handshake()
	switch classifyNetError(err) {
	case netOK:
		c.handshakeDone = true
		return handshakeDone
	case netWouldBlock:
		return handshakePending
	default:
		return handshakeAborted
	}
}

// ServiceReceive performs at most one non-blocking read, appending
// whatever bytes are immediately available to the inbound buffer. It
// never blocks: if nothing is ready yet it is a no-op.
func (c *Connection) ServiceReceive() error {
	if c.cutoff {
		return nil
	}
	conn := c.netConn()
	conn.SetReadDeadline(aLongTimeAgo)
	defer conn.SetReadDeadline(time.Time{})

	var buf [32 * 1024]byte
	n, err := conn.Read(buf[:])
	if n > 0 {
		c.inbound = append(c.inbound, buf[:n]...)
		if c.idle != nil {
			c.idle.Reset(c.idleDuration)
		}
	}
	switch classifyNetError(err) {
	case netOK, netWouldBlock:
		return nil
	case netClosed:
		c.cutoff = true
		return nil
	default:
		c.cutoff = true
		return err
	}
}

// QueueSend appends b to the outbound buffer to be drained by
// ServiceSend on subsequent ticks.
func (c *Connection) QueueSend(b []byte) {
	c.outbound = append(c.outbound, b...)
}

// Pending reports whether there are queued bytes still to send.
func (c *Connection) Pending() bool { return len(c.outbound) > 0 }

// ServiceSend performs at most one non-blocking write of whatever
// outbound bytes are queued, matching the "one OS-level write per tick
// per connection" rule (spec §4.2).
func (c *Connection) ServiceSend() error {
	if len(c.outbound) == 0 || c.closed {
		return nil
	}
	conn := c.netConn()
	conn.SetWriteDeadline(aLongTimeAgo)
	defer conn.SetWriteDeadline(time.Time{})

	chunk := c.outbound
	if len(chunk) > maxOutstandingWriteBytes {
		chunk = chunk[:maxOutstandingWriteBytes]
	}
	n, err := conn.Write(chunk)
	if n > 0 {
		c.outbound = c.outbound[n:]
	}
	switch classifyNetError(err) {
	case netOK, netWouldBlock:
		return nil
	case netClosed:
		c.cutoff = true
		return nil
	default:
		// A fatal write error means the queued bytes can never reach
		// the peer; drop them so reap() can close the connection.
		c.cutoff = true
		c.outbound = nil
		return err
	}
}

// Shutdown performs a best-effort half-close of the write side so the
// peer observes EOF, without tearing down the read side: a client may
// still be trickling in the tail of a request body.
func (c *Connection) Shutdown() {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := c.netConn().(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}

// Close idempotently tears the connection down.
func (c *Connection) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.cutoff = true
	return c.raw.Close()
}
