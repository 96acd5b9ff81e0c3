/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package coophttp

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tymeloop/coophttp/clock"
	"github.com/tymeloop/coophttp/hdr"
)

func newTestRequest(method, path string) *Request {
	req := NewRequest()
	req.Method = method
	req.Path = path
	req.VersionMajor = 1
	req.VersionMinor = 1
	req.Header.Set("Host", "example.test")
	return req
}

func TestDispatcherEchoesBody(t *testing.T) {
	conn := &Connection{}
	req := newTestRequest(POST, "/echo")
	req.Body = []byte("hi")

	app := func(env *Environ, declare DeclareFunc) BodyIterator {
		require.Equal(t, "POST", env.Vars["REQUEST_METHOD"])
		body, _ := io.ReadAll(env.Input)
		write := declare(200, "OK", hdr.New())
		write(body)
		done := false
		return BodyIteratorFunc(func() ([]byte, error) {
			if done {
				return nil, io.EOF
			}
			done = true
			return nil, io.EOF
		})
	}

	d := NewDispatcher(conn, req, app, SchemeHTTP, "example.test", "80", "coophttp/1.0", nil)
	for d.Step() == dispatchContinue {
	}
	require.True(t, d.Ended())
	require.False(t, d.ForceClose())
	require.Contains(t, string(conn.outbound), "hi")
}

func TestDispatcherStreamsMultipleFragments(t *testing.T) {
	conn := &Connection{}
	req := newTestRequest(GET, "/stream")

	fragments := [][]byte{[]byte("a"), nil, []byte("b"), []byte("c")}
	idx := 0
	app := func(env *Environ, declare DeclareFunc) BodyIterator {
		declare(200, "OK", hdr.New())
		return BodyIteratorFunc(func() ([]byte, error) {
			if idx >= len(fragments) {
				return nil, io.EOF
			}
			f := fragments[idx]
			idx++
			return f, nil
		})
	}

	d := NewDispatcher(conn, req, app, SchemeHTTP, "example.test", "80", "coophttp/1.0", nil)
	steps := 0
	for d.Step() == dispatchContinue {
		steps++
		require.Less(t, steps, 100) // guard against an infinite loop bug
	}
	require.Contains(t, string(conn.outbound), "a")
	require.Contains(t, string(conn.outbound), "b")
	require.Contains(t, string(conn.outbound), "c")
}

func TestDispatcherHTTPErrorBeforeHeadersIsRendered(t *testing.T) {
	conn := &Connection{}
	req := newTestRequest(GET, "/missing")

	app := func(env *Environ, declare DeclareFunc) BodyIterator {
		return BodyIteratorFunc(func() ([]byte, error) {
			return nil, NewHTTPError(404, "Not Found", "nope")
		})
	}

	d := NewDispatcher(conn, req, app, SchemeHTTP, "example.test", "80", "coophttp/1.0", nil)
	for d.Step() == dispatchContinue {
	}
	require.True(t, d.Ended())
	require.False(t, d.ForceClose())
	require.Contains(t, string(conn.outbound), "404 Not Found")
	require.Contains(t, string(conn.outbound), "nope")
}

func TestDispatcherUnstructuredErrorForcesClose(t *testing.T) {
	conn := &Connection{}
	req := newTestRequest(GET, "/boom")

	app := func(env *Environ, declare DeclareFunc) BodyIterator {
		return BodyIteratorFunc(func() ([]byte, error) {
			return nil, io.ErrUnexpectedEOF
		})
	}

	d := NewDispatcher(conn, req, app, SchemeHTTP, "example.test", "80", "coophttp/1.0", nil)
	for d.Step() == dispatchContinue {
	}
	require.True(t, d.Ended())
	require.True(t, d.ForceClose())
}

func TestDispatcherPanicRecoveredAs500(t *testing.T) {
	conn := &Connection{}
	req := newTestRequest(GET, "/panic")

	app := func(env *Environ, declare DeclareFunc) BodyIterator {
		panic("boom")
	}

	d := NewDispatcher(conn, req, app, SchemeHTTP, "example.test", "80", "coophttp/1.0", nil)
	for d.Step() == dispatchContinue {
	}
	require.Contains(t, string(conn.outbound), "500")
}

func TestDispatcherCooperativeYieldDoesNotEnd(t *testing.T) {
	conn := &Connection{}
	req := newTestRequest(GET, "/slow")

	yields := 0
	app := func(env *Environ, declare DeclareFunc) BodyIterator {
		declare(200, "OK", hdr.New())
		return BodyIteratorFunc(func() ([]byte, error) {
			if yields < 2 {
				yields++
				return nil, nil
			}
			return nil, io.EOF
		})
	}

	d := NewDispatcher(conn, req, app, SchemeHTTP, "example.test", "80", "coophttp/1.0", nil)
	require.Equal(t, dispatchContinue, d.Step())
	require.Equal(t, dispatchContinue, d.Step())
	require.Equal(t, dispatchEnded, d.Step())
	require.Equal(t, 2, yields)
}

func TestDispatcherEventedResponseDisablesIdleTimer(t *testing.T) {
	clk := clock.New()
	conn := &Connection{idle: clk.NewTimer(1), idleDuration: 1}
	req := newTestRequest(GET, "/events")

	sent := 0
	app := func(env *Environ, declare DeclareFunc) BodyIterator {
		h := hdr.New()
		h.Set("Content-Type", "text/event-stream")
		declare(200, "OK", h)
		return BodyIteratorFunc(func() ([]byte, error) {
			switch sent {
			case 0:
				sent++
				return []byte("data: hi\n\n"), nil // first event flushes the headers
			case 1:
				sent++
				return nil, nil
			}
			return nil, io.EOF
		})
	}

	d := NewDispatcher(conn, req, app, SchemeHTTP, "example.test", "80", "coophttp/1.0", nil)
	require.Equal(t, dispatchContinue, d.Step())
	require.Equal(t, dispatchContinue, d.Step()) // headers are flushed: idle timer disabled
	require.EqualValues(t, 0, conn.idleDuration)
	for d.Step() == dispatchContinue {
	}
}

func TestBuildEnvironHeaderVars(t *testing.T) {
	req := newTestRequest(GET, "/x")
	req.Header.Add("X-Custom", "v1")
	req.ContentType = "text/plain"
	req.LengthSet = true
	req.Length = 4

	env := buildEnviron(req, SchemeHTTPS, "example.test", "443", "coophttp/1.0", "10.0.0.1:5555")
	require.Equal(t, "GET", env.Vars["REQUEST_METHOD"])
	require.Equal(t, "https", env.Vars["url_scheme"])
	require.Equal(t, "10.0.0.1:5555", env.Vars["REMOTE_ADDR"])
	require.Equal(t, "v1", env.Vars["HTTP_X_CUSTOM"])
	require.Equal(t, "text/plain", env.Vars["CONTENT_TYPE"])
	require.Equal(t, "4", env.Vars["CONTENT_LENGTH"])
}
