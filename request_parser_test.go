/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package coophttp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// feedParser steps p against raw until it reports something other
// than StepNeedMore, or the whole of raw has been consumed without
// resolving (the caller then asserts on the returned StepResult).
func feedParser(t *testing.T, p *RequestParser, conn *Connection, raw string) (StepResult, error) {
	t.Helper()
	conn.inbound = append(conn.inbound, raw...)
	return p.Step(conn)
}

func TestRequestParserFixedLengthPOST(t *testing.T) {
	conn := &Connection{}
	p := NewRequestParser(1000)
	result, err := feedParser(t, p, conn, "POST /e HTTP/1.1\r\nHost: x\r\nContent-Length: 11\r\n\r\nhello world")
	require.NoError(t, err)
	require.Equal(t, StepDone, result)

	req := p.Request()
	require.Equal(t, "POST", req.Method)
	require.Equal(t, "/e", req.Path)
	require.Equal(t, []byte("hello world"), req.Body)
	require.True(t, req.Persisted)
	require.EqualValues(t, 0, conn.idleDuration) // persistent connections disable idle reaping
}

func TestRequestParserChunkedBody(t *testing.T) {
	conn := &Connection{}
	p := NewRequestParser(1000)
	raw := "POST /c HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"
	result, err := feedParser(t, p, conn, raw)
	require.NoError(t, err)
	require.Equal(t, StepDone, result)

	req := p.Request()
	require.True(t, req.Chunked)
	require.Equal(t, []byte("hello world"), req.Body)
	require.EqualValues(t, 11, req.Length)
}

func TestRequestParserChunkExtensionsAndTrailers(t *testing.T) {
	conn := &Connection{}
	p := NewRequestParser(1000)
	raw := "POST /c HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5;name=val\r\nhello\r\n0\r\nX-Trailer: done\r\n\r\n"
	result, err := feedParser(t, p, conn, raw)
	require.NoError(t, err)
	require.Equal(t, StepDone, result)

	req := p.Request()
	require.Equal(t, []byte("hello"), req.Body)
	require.Len(t, req.ChunkParms, 2) // one for the 5-byte chunk, one for the terminal zero chunk
	require.Equal(t, "val", req.ChunkParms[0]["name"])
	require.Equal(t, "done", req.Trailers.Get("X-Trailer"))
}

func TestRequestParserContentLengthZero(t *testing.T) {
	conn := &Connection{}
	p := NewRequestParser(1000)
	result, err := feedParser(t, p, conn, "GET /x HTTP/1.1\r\nHost: x\r\nContent-Length: 0\r\n\r\n")
	require.NoError(t, err)
	require.Equal(t, StepDone, result)
	require.Empty(t, p.Request().Body)
}

func TestRequestParserChunkedSingleZeroChunk(t *testing.T) {
	conn := &Connection{}
	p := NewRequestParser(1000)
	result, err := feedParser(t, p, conn, "POST /c HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n0\r\n\r\n")
	require.NoError(t, err)
	require.Equal(t, StepDone, result)
	require.Empty(t, p.Request().Body)
}

func TestRequestParserHTTP10NonPersistentByDefault(t *testing.T) {
	conn := &Connection{}
	p := NewRequestParser(1000)
	result, err := feedParser(t, p, conn, "GET /x HTTP/1.0\r\n\r\n")
	require.NoError(t, err)
	require.Equal(t, StepDone, result)
	require.False(t, p.Request().Persisted)
	require.EqualValues(t, 1000, conn.idleDuration)
}

func TestRequestParserHTTP10KeepAlive(t *testing.T) {
	conn := &Connection{}
	p := NewRequestParser(1000)
	result, err := feedParser(t, p, conn, "GET /x HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")
	require.NoError(t, err)
	require.Equal(t, StepDone, result)
	require.True(t, p.Request().Persisted)
}

func TestRequestParserHTTP11ConnectionClose(t *testing.T) {
	conn := &Connection{}
	p := NewRequestParser(1000)
	raw := "GET /x HTTP/1.1\r\nHost: x\r\nConnection: close\r\nContent-Length: 0\r\n\r\n"
	result, err := feedParser(t, p, conn, raw)
	require.NoError(t, err)
	require.Equal(t, StepDone, result)
	require.False(t, p.Request().Persisted)
}

func TestRequestParserNeedsMoreBytes(t *testing.T) {
	conn := &Connection{}
	p := NewRequestParser(1000)
	result, err := feedParser(t, p, conn, "GET /x HTTP/1.1\r\nHost: x\r\n")
	require.NoError(t, err)
	require.Equal(t, StepNeedMore, result)

	result, err = feedParser(t, p, conn, "Content-Length: 3\r\n\r\nabc")
	require.NoError(t, err)
	require.Equal(t, StepDone, result)
	require.Equal(t, []byte("abc"), p.Request().Body)
}

func TestRequestParserPrematureClosure(t *testing.T) {
	conn := &Connection{}
	p := NewRequestParser(1000)
	conn.inbound = append(conn.inbound, []byte("POST /e HTTP/1.1\r\nContent-Length: 100\r\n\r\nshort")...)
	result, err := p.Step(conn)
	require.NoError(t, err)
	require.Equal(t, StepNeedMore, result)

	conn.cutoff = true
	_, err = p.Step(conn)
	var closure *PrematureClosureError
	require.ErrorAs(t, err, &closure)
	require.Equal(t, "body", closure.State)
}

func TestRequestParserBadStartLine(t *testing.T) {
	conn := &Connection{}
	p := NewRequestParser(1000)
	_, err := feedParser(t, p, conn, "GARBAGE\r\n\r\n")
	var bad *BadRequestError
	require.ErrorAs(t, err, &bad)
}

func TestRequestParserUnknownVersion(t *testing.T) {
	conn := &Connection{}
	p := NewRequestParser(1000)
	_, err := feedParser(t, p, conn, "GET / HTTP/2.0\r\n\r\n")
	var bad *BadRequestError
	require.ErrorAs(t, err, &bad)
}

func TestRequestParserLengthInvalid(t *testing.T) {
	// A malformed Content-Length (as opposed to an absent one, which
	// means "no body" per spec §4.3 step 2) leaves LengthSet false and
	// surfaces as 411 once the body state is reached.
	conn := &Connection{}
	p := NewRequestParser(1000)
	_, err := feedParser(t, p, conn, "POST /e HTTP/1.1\r\nHost: x\r\nContent-Length: not-a-number\r\n\r\n")
	var lenErr *LengthInvalidError
	require.ErrorAs(t, err, &lenErr)
}

func TestRequestParserAbsentContentLengthMeansNoBody(t *testing.T) {
	conn := &Connection{}
	p := NewRequestParser(1000)
	result, err := feedParser(t, p, conn, "GET /e HTTP/1.1\r\nHost: x\r\n\r\n")
	require.NoError(t, err)
	require.Equal(t, StepDone, result)
	require.Empty(t, p.Request().Body)
}

func TestRequestParserHeaderContinuation(t *testing.T) {
	conn := &Connection{}
	p := NewRequestParser(1000)
	raw := "GET / HTTP/1.1\r\nHost: x\r\nX-Long: part-one\r\n part-two\r\nContent-Length: 0\r\n\r\n"
	result, err := feedParser(t, p, conn, raw)
	require.NoError(t, err)
	require.Equal(t, StepDone, result)
	require.Equal(t, "part-one part-two", p.Request().Header.Get("X-Long"))
}

func TestRequestParserJSONContentType(t *testing.T) {
	conn := &Connection{}
	p := NewRequestParser(1000)
	raw := "POST / HTTP/1.1\r\nContent-Type: application/json; charset=utf-8\r\nContent-Length: 2\r\n\r\n{}"
	result, err := feedParser(t, p, conn, raw)
	require.NoError(t, err)
	require.Equal(t, StepDone, result)
	req := p.Request()
	require.True(t, req.JSONed)
	require.Equal(t, "utf-8", req.Charset)
	require.Equal(t, "application/json", req.ContentType)
}

func TestRequestParserStartLineTooLong(t *testing.T) {
	// No terminator has arrived yet, but the partial line has already
	// grown past maxLineLength: the parser must give up rather than
	// wait forever for a line that may never end.
	conn := &Connection{}
	p := NewRequestParser(1000)
	p.maxLineLength = 16
	_, err := feedParser(t, p, conn, "GET /a-path-way-too-long-to-fit-on-one-line")
	var bad *BadRequestError
	require.ErrorAs(t, err, &bad)
}

func TestRequestParserQueryAndFragment(t *testing.T) {
	conn := &Connection{}
	p := NewRequestParser(1000)
	raw := "GET /search?q=a%20b#frag HTTP/1.1\r\nContent-Length: 0\r\n\r\n"
	result, err := feedParser(t, p, conn, raw)
	require.NoError(t, err)
	require.Equal(t, StepDone, result)
	req := p.Request()
	require.Equal(t, "/search", req.Path)
	require.Equal(t, "q=a%20b", req.Query)
	require.Equal(t, "frag", req.Fragment)
}
