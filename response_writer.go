/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package coophttp

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/idna"

	"github.com/tymeloop/coophttp/hdr"
)

// WriteFunc is the push-style body emitter DeclareResponse hands back,
// per spec §6: "Returns a write(bytes) callable for applications that
// prefer push-style emission" over returning a lazy fragment sequence.
type WriteFunc func([]byte) (int, error)

// ResponseWriter turns a Response (and a stream of body fragments)
// into wire bytes queued onto a Connection's outbound buffer. Per
// spec §4.4 it tracks started/headed/ended/chunked/declaredLength and
// an emitted-byte counter, and enforces that the emitted body never
// exceeds a declared Content-Length.
type ResponseWriter struct {
	conn *Connection
	req  *Request
	resp *Response

	// Logger receives a warning on a superfluous DeclareResponse call;
	// nil is fine (the warning is simply dropped).
	Logger *logrus.Logger

	declared bool
	started  bool
	headed   bool
	ended    bool
	chunked  bool

	emitted int64
}

// NewResponseWriter binds a Response to the connection it will be
// flushed to, for the given request (whose version/method drive the
// chunkable decision and whether a body is even legal to send).
func NewResponseWriter(conn *Connection, req *Request, resp *Response) *ResponseWriter {
	return &ResponseWriter{conn: conn, req: req, resp: resp}
}

// Reset rearms the writer for the next request on the same persistent
// connection, sharing nothing with the prior cycle. chunkable mirrors
// the source's reset(chunkable=None) call shape (spec §9 open
// question): the source's corresponding branch is always taken since
// chunkable is never actually None at any real call site, so here a
// nil chunkable is accepted purely for parity and is not consulted —
// the chunkable decision is always recomputed from scratch at the next
// flushHead.
func (w *ResponseWriter) Reset(conn *Connection, req *Request, resp *Response, chunkable *bool) {
	logger := w.Logger
	*w = ResponseWriter{conn: conn, req: req, resp: resp, Logger: logger}
	_ = chunkable
}

// DeclareResponse is the Dispatcher's call into declareResponse: the
// first call per response cycle sets status/headers and is what
// flushHead later reads. A second call before any body bytes were
// written is a superfluous-declare protocol error (mirrors net/http's
// "superfluous WriteHeader call" handling): it is logged and ignored,
// first declaration wins. Returns the push-style WriteFunc every time
// regardless, so an application can always fall back to push style.
func (w *ResponseWriter) DeclareResponse(status int, reason string, headers hdr.Header) WriteFunc {
	if w.declared {
		if w.Logger != nil {
			w.Logger.WithField("status", status).Warn("coophttp: superfluous DeclareResponse call")
		}
		return w.Write
	}
	w.declared = true
	w.applyDeclaration(status, reason, headers)
	return w.Write
}

// replaceForError is the Dispatcher-only path for rendering a
// structured HTTPError raised before any headers were sent (spec
// §4.5): unlike DeclareResponse it is allowed to run even after a
// prior declaration, since "you cannot retry once committed" is
// enforced by the Dispatcher checking w.headed first.
func (w *ResponseWriter) replaceForError(status int, reason string, headers hdr.Header) {
	w.declared = true
	w.applyDeclaration(status, reason, headers)
}

func (w *ResponseWriter) applyDeclaration(status int, reason string, headers hdr.Header) {
	w.resp.Status = status
	w.resp.Reason = reason
	w.resp.Header = headers
	if ct := headers.Get(hdr.ContentType); strings.HasPrefix(strings.ToLower(ct), "text/event-stream") {
		w.resp.Evented = true
	}
	if cl := headers.Get(hdr.ContentLength); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			w.resp.HasDeclaredLength = true
			w.resp.DeclaredLength = n
		}
	}
}

// Write appends bytes to the outbound buffer, flushing the status
// line and headers first if this is the first write of the cycle.
// A write that would exceed a declared Content-Length is truncated.
func (w *ResponseWriter) Write(b []byte) (int, error) {
	if !w.started {
		w.started = true
		w.flushHead()
	}
	if w.ended {
		return 0, nil
	}
	if w.resp.HasDeclaredLength {
		remaining := w.resp.DeclaredLength - w.emitted
		if remaining <= 0 {
			return 0, nil
		}
		if int64(len(b)) > remaining {
			b = b[:remaining]
		}
	}
	if len(b) == 0 {
		return 0, nil
	}
	if w.chunked {
		w.conn.QueueSend([]byte(strconv.FormatInt(int64(len(b)), 16)))
		w.conn.QueueSend(CRLF)
		w.conn.QueueSend(b)
		w.conn.QueueSend(CRLF)
	} else {
		w.conn.QueueSend(b)
	}
	w.emitted += int64(len(b))
	return len(b), nil
}

// End closes the body: a chunked response emits the terminating zero
// chunk (with trailers, if any were declared), and ended is set. Per
// spec §8 invariant 3, total emitted bytes must equal declaredLength
// when one was declared.
func (w *ResponseWriter) End() {
	if !w.started {
		w.started = true
		w.flushHead()
	}
	if w.ended {
		return
	}
	if w.chunked {
		w.conn.QueueSend([]byte("0"))
		w.conn.QueueSend(CRLF)
		if w.resp.Trailers.Len() > 0 {
			w.resp.Trailers.Write(writerFunc(w.conn.QueueSend))
		}
		w.conn.QueueSend(CRLF)
	}
	w.ended = true
}

// Ended reports whether End has run.
func (w *ResponseWriter) Ended() bool { return w.ended }

// flushHead writes the status line and headers exactly once, reading
// the Response handle lazily (the deferred-header-override design: the
// application may still be mutating resp up to this moment).
func (w *ResponseWriter) flushHead() {
	if w.headed {
		return
	}
	w.headed = true

	resp := w.resp
	reason := resp.Reason
	if reason == "" {
		reason = StatusText(resp.Status)
	}
	statusLine := fmt.Sprintf("HTTP/1.1 %d %s\r\n", resp.Status, reason)
	w.conn.QueueSend(encodeHeaderBytes(statusLine))

	if resp.Header.Get(hdr.ServerHeader) == "" {
		resp.Header.Set(hdr.ServerHeader, ProductString)
	}
	if resp.Header.Get(hdr.Date) == "" {
		resp.Header.Set(hdr.Date, time.Now().UTC().Format(hdr.TimeFormat))
	}

	chunkable := w.req.VersionMajor == 1 && w.req.VersionMinor == 1 && !resp.HasDeclaredLength
	if chunkable && resp.Header.Get(hdr.TransferEncoding) == "" {
		resp.Header.Set(hdr.TransferEncoding, DoChunked)
		w.chunked = true
	}

	var sb strings.Builder
	resp.Header.Write(&sb)
	w.conn.QueueSend(encodeHeaderBytes(sb.String()))
	w.conn.QueueSend(CRLF)
}

// encodeHeaderBytes encodes s as ASCII, falling back to IDNA
// punycode for the (rare) non-ASCII Host/header-value case per spec
// §6's "IDNA fallback for non-ASCII host authorities".
func encodeHeaderBytes(s string) []byte {
	if isASCII(s) {
		return []byte(s)
	}
	encoded, err := idna.ToASCII(s)
	if err != nil {
		// idna.ToASCII only handles domain-shaped input; for an
		// arbitrary non-ASCII header value strip to ASCII runes so we
		// never emit invalid bytes on the wire.
		var b strings.Builder
		for _, r := range s {
			if r < utf8.RuneSelf {
				b.WriteRune(r)
			}
		}
		return []byte(b.String())
	}
	return []byte(encoded)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// writerFunc adapts a func([]byte) into an io.Writer for
// hdr.Header.Write.
type writerFunc func([]byte)

func (f writerFunc) Write(p []byte) (int, error) {
	f(p)
	return len(p), nil
}
