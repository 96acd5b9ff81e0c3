/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package coophttp

import (
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/tymeloop/coophttp/hdr"
)

// BodyIterator is the explicit pull-based iterator an Application
// returns, per the "resumable application body as lazy sequence"
// design note: Next is called at most once per scheduler tick.
//
//   - (nil fragment, nil error): a cooperative yield. No bytes are
//     written; control simply returns to the loop so the Application
//     can do its own asynchronous work before the next Step.
//   - (non-empty fragment, nil error): the fragment is appended to the
//     response body.
//   - (anything, io.EOF): the body is finished.
//   - (anything, other error): the Application failed; if it is an
//     *HTTPError raised before headers were sent, the Dispatcher
//     renders it, otherwise it is logged and the connection closed.
type BodyIterator interface {
	Next() (fragment []byte, err error)
}

// BodyIteratorFunc adapts a plain closure to a BodyIterator, the way a
// generator function is adapted in the source.
type BodyIteratorFunc func() ([]byte, error)

func (f BodyIteratorFunc) Next() ([]byte, error) { return f() }

// Environ is the CGI-style request environment handed to the
// Application, modeled as a string map for the CGI variables proper
// plus explicit fields for the handful of values CGI treats as opaque
// (the input/errors streams, the threading-model flags) — the "two
// maps" shape the design notes call for, expressed as one map plus
// named fields instead of a second dynamically-typed map.
type Environ struct {
	Vars map[string]string

	Input  io.Reader
	Errors io.Writer

	Multithread  bool
	Multiprocess bool
	RunOnce      bool

	// Response is the shared, single-owner/single-reader handle: the
	// Application may mutate Status/Reason/Header directly (in
	// addition to, or instead of, calling DeclareFunc) up until its
	// first non-empty body fragment, realizing the deferred-header-
	// override design note with a real pointer rather than a snapshot.
	Response *Response
}

// DeclareFunc is declareResponse: it sets status/headers on the shared
// Response and returns a push-style WriteFunc (spec §6). headers is
// stored directly (not copied) so continuing to mutate it by key,
// e.g. headers.Set(...), after the call is also visible at flush time.
type DeclareFunc func(status int, reason string, headers hdr.Header) WriteFunc

// Application is the opaque user callable (spec §1's "the application
// is an opaque callable"): given the request environment and a way to
// declare the response, it returns the lazy body sequence.
type Application func(env *Environ, declare DeclareFunc) BodyIterator

// dispatchState is what Dispatcher.Step reports.
type dispatchState int

const (
	dispatchContinue dispatchState = iota
	dispatchEnded
)

// Dispatcher adapts an Application to the CGI-style protocol (C7): it
// builds the environ once, invokes the Application once to obtain its
// BodyIterator, and then pumps exactly one fragment per Step call.
type Dispatcher struct {
	conn *Connection
	req  *Request
	resp *Response
	rw   *ResponseWriter
	body BodyIterator

	logger *logrus.Logger

	// forceClose is set when an unstructured Application error (or a
	// structured HTTPError arriving after headers were already sent)
	// means the connection cannot be kept alive regardless of what
	// Request.Persisted said.
	forceClose bool

	// eventedIdleDisabled guards the one-time idle-timer disable for an
	// event-stream response, per spec §9's evented Open Question.
	eventedIdleDisabled bool
}

// NewDispatcher builds the CGI environ for req on conn, invokes app
// once to obtain its BodyIterator, and returns a Dispatcher ready to
// be Stepped. serverName/serverPort/serverVersion/scheme fill in the
// SERVER_* and url_scheme environ entries the connection/listener
// itself knows but the Request does not carry.
func NewDispatcher(conn *Connection, req *Request, app Application, scheme, serverName, serverPort, serverVersion string, logger *logrus.Logger) *Dispatcher {
	resp := NewResponse()
	rw := NewResponseWriter(conn, req, resp)
	rw.Logger = logger

	env := buildEnviron(req, scheme, serverName, serverPort, serverVersion, conn.PeerAddr)
	env.Response = resp

	d := &Dispatcher{conn: conn, req: req, resp: resp, rw: rw, logger: logger}

	declare := func(status int, reason string, headers hdr.Header) WriteFunc {
		return rw.DeclareResponse(status, reason, headers)
	}
	d.body = safeInvoke(app, env, declare, logger)
	return d
}

// safeInvoke calls app and converts an Application-constructor panic
// into an iterator whose first Next reports the panic as an
// unstructured error, so one misbehaving Application can never bring
// the whole server loop down (spec §7's "log and close").
func safeInvoke(app Application, env *Environ, declare DeclareFunc, logger *logrus.Logger) (it BodyIterator) {
	defer func() {
		if r := recover(); r != nil {
			if logger != nil {
				logger.WithField("panic", r).Error("coophttp: application panicked")
			}
			it = BodyIteratorFunc(func() ([]byte, error) { return nil, errApplicationPanic })
		}
	}()
	return app(env, declare)
}

var errApplicationPanic = NewHTTPError(500, "Internal Server Error", "Internal Server Error")

// buildEnviron fills the CGI variables spec §4.5 names.
func buildEnviron(req *Request, scheme, serverName, serverPort, serverVersion, remoteAddr string) *Environ {
	vars := map[string]string{
		"REQUEST_METHOD":   req.Method,
		"SERVER_NAME":      serverName,
		"SERVER_PORT":      serverPort,
		"SERVER_PROTOCOL":  "HTTP/" + strconv.Itoa(req.VersionMajor) + "." + strconv.Itoa(req.VersionMinor),
		"SCRIPT_NAME":      "",
		"PATH_INFO":        req.Path,
		"QUERY_STRING":     req.Query,
		"REMOTE_ADDR":      remoteAddr,
		"url_scheme":       scheme,
		"server_name":      serverName,
		"server_version":   serverVersion,
	}
	if req.ContentType != "" {
		vars["CONTENT_TYPE"] = req.ContentType
	}
	if req.LengthSet {
		vars["CONTENT_LENGTH"] = strconv.FormatUint(req.Length, 10)
	}
	for _, key := range req.Header.Keys() {
		envKey := "HTTP_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
		vars[envKey] = strings.Join(req.Header.Values(key), ", ")
	}

	env := &Environ{
		Vars:   vars,
		Input:  bytes.NewReader(req.Body),
		Errors: logrusErrorsWriter{},
	}

	if req.Charset != "" {
		// Resolve the split-off charset token to its canonical IANA
		// name via htmlindex, the same lookup badu-http's Content-Type
		// handling ultimately needs; an unrecognized token is left as
		// the raw string the request supplied.
		vars["charset"] = req.Charset
		if enc, err := htmlindex.Get(req.Charset); err == nil {
			if name, err := htmlindex.Name(enc); err == nil {
				vars["charset"] = name
			}
		}
	}
	return env
}

// logrusErrorsWriter adapts the Environ.Errors diagnostics stream onto
// logrus at Warn level (the "errors" CGI entry is a writable stream
// for Application-side diagnostics, not a fatal error channel).
type logrusErrorsWriter struct{}

func (logrusErrorsWriter) Write(p []byte) (int, error) {
	logrus.StandardLogger().Warn(string(p))
	return len(p), nil
}

// Step pumps exactly one fragment out of the BodyIterator per spec
// §4.5/§5: an empty fragment is a cooperative yield, a non-empty one
// is written, io.EOF ends the body, and any other error is mapped to
// an HTTP response (if possible) or a forced close.
func (d *Dispatcher) Step() dispatchState {
	if d.rw.Ended() {
		return dispatchEnded
	}

	if d.resp.Evented && d.rw.headed && !d.eventedIdleDisabled {
		// An event-stream response may legitimately pause between
		// fragments far longer than a normal idle timeout allows; once
		// headers are flushed, stop treating that pause as abandonment.
		d.conn.SetIdleDuration(0)
		d.eventedIdleDisabled = true
	}

	fragment, err := d.body.Next()
	if err != nil {
		if err == io.EOF {
			d.rw.End()
			return dispatchEnded
		}
		d.handleApplicationError(err)
		return dispatchEnded
	}
	if len(fragment) == 0 {
		return dispatchContinue // cooperative yield
	}
	d.rw.Write(fragment)
	return dispatchContinue
}

// handleApplicationError implements spec §4.5's error mapping: a
// structured HTTPError raised before any headers were sent is
// rendered as-is; one that arrives after headers were already
// committed cannot be recovered from, so it (and any unstructured
// error) is logged and the connection is marked for a forced close.
func (d *Dispatcher) handleApplicationError(err error) {
	if httpErr, ok := err.(*HTTPError); ok && !d.rw.headed {
		headers := httpErr.Header
		if headers.Get(hdr.ContentType) == "" {
			headers.Set(hdr.ContentType, "text/plain")
		}
		headers.Set(hdr.ContentLength, strconv.Itoa(len(httpErr.Body)))
		d.rw.replaceForError(httpErr.Status, httpErr.Reason, headers)
		d.rw.Write(httpErr.Body)
		d.rw.End()
		return
	}

	if d.logger != nil {
		d.logger.WithField("error", err).Error("coophttp: application error")
	}
	d.forceClose = true
	d.rw.ended = true
}

// ForceClose reports whether the connection must be closed regardless
// of Request.Persisted (an unstructured error, or a structured error
// that arrived mid-stream).
func (d *Dispatcher) ForceClose() bool { return d.forceClose }

// Ended reports whether the response has fully ended.
func (d *Dispatcher) Ended() bool { return d.rw.Ended() }
