/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package coophttp_test

import (
	"bufio"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tymeloop/coophttp"
	"github.com/tymeloop/coophttp/clock"
	"github.com/tymeloop/coophttp/hdr"
)

// driveTicks calls srv.Service() in a tight loop, giving the OS a
// moment between ticks to actually deliver bytes either direction,
// until deadline elapses. Mirrors how a real caller drives the
// cooperative scheduler: one goroutine, repeated Service() calls.
func driveTicks(t *testing.T, srv *coophttp.Server, deadline time.Duration) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		srv.Service()
		time.Sleep(time.Millisecond)
	}
}

func echoApp(env *coophttp.Environ, declare coophttp.DeclareFunc) coophttp.BodyIterator {
	body, _ := io.ReadAll(env.Input)
	h := hdr.New()
	h.Set("Content-Type", "text/plain")
	write := declare(200, "OK", h)
	write(body)
	return coophttp.BodyIteratorFunc(func() ([]byte, error) { return nil, io.EOF })
}

func newTestServer(t *testing.T, app coophttp.Application) (*coophttp.Server, string) {
	t.Helper()
	srv := &coophttp.Server{
		App:           app,
		ServerVersion: "coophttp/1.0",
		IdleTimeout:   int64(5 * time.Second),
		Clock:         clock.New(),
	}
	err := srv.ListenAndServe("tcp", "127.0.0.1:0", nil)
	require.NoError(t, err)
	return srv, srv.Addr()
}

func TestServerHelloKeepAliveTwoRequests(t *testing.T) {
	srv, addr := newTestServer(t, echoApp)
	defer srv.Close()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	done := make(chan struct{})
	go func() { driveTicks(t, srv, 2*time.Second); close(done) }()

	_, err = conn.Write([]byte("POST /one HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nfirst"))
	require.NoError(t, err)

	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "200 OK")

	for {
		l, err := r.ReadString('\n')
		require.NoError(t, err)
		if l == "\r\n" {
			break
		}
	}

	// Consume the first response's chunked body so the next line read
	// is the second response's status line.
	for _, want := range []string{"5\r\n", "first\r\n", "0\r\n", "\r\n"} {
		l, err := r.ReadString('\n')
		require.NoError(t, err)
		require.Equal(t, want, l)
	}

	_, err = conn.Write([]byte("POST /two HTTP/1.1\r\nHost: x\r\nContent-Length: 6\r\n\r\nsecond"))
	require.NoError(t, err)

	line2, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line2, "200 OK")

	conn.Close()
	<-done
}

func TestServerHTTP10NonPersistentDefault(t *testing.T) {
	srv, addr := newTestServer(t, echoApp)
	defer srv.Close()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	done := make(chan struct{})
	go func() { driveTicks(t, srv, time.Second); close(done) }()

	_, err = conn.Write([]byte("GET /x HTTP/1.0\r\n\r\n"))
	require.NoError(t, err)

	out, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.Contains(t, string(out), "200 OK")
	<-done
}

func TestServerChunkedRequest(t *testing.T) {
	srv, addr := newTestServer(t, echoApp)
	defer srv.Close()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	done := make(chan struct{})
	go func() { driveTicks(t, srv, time.Second); close(done) }()

	req := "POST /c HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\nConnection: close\r\n\r\n" +
		"5\r\nhello\r\n0\r\n\r\n"
	_, err = conn.Write([]byte(req))
	require.NoError(t, err)

	out, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.Contains(t, string(out), "hello")
	<-done
}

func TestServerApplicationHTTPErrorBeforeHeaders(t *testing.T) {
	app := func(env *coophttp.Environ, declare coophttp.DeclareFunc) coophttp.BodyIterator {
		return coophttp.BodyIteratorFunc(func() ([]byte, error) {
			return nil, coophttp.NewHTTPError(404, "Not Found", "nope")
		})
	}
	srv, addr := newTestServer(t, app)
	defer srv.Close()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	done := make(chan struct{})
	go func() { driveTicks(t, srv, time.Second); close(done) }()

	_, err = conn.Write([]byte("GET /missing HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)

	out, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.Contains(t, string(out), "404 Not Found")
	require.Contains(t, string(out), "nope")
	<-done
}

func TestServerPrematureClosureDuringBody(t *testing.T) {
	srv, addr := newTestServer(t, echoApp)
	defer srv.Close()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() { driveTicks(t, srv, time.Second); close(done) }()

	_, err = conn.Write([]byte("POST /e HTTP/1.1\r\nHost: x\r\nContent-Length: 100\r\n\r\nshort"))
	require.NoError(t, err)
	conn.Close() // abandon mid-body: the server must not hang or crash

	<-done
	require.True(t, srv.Idle())
}
