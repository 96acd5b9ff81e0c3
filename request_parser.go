/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package coophttp

import (
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/tymeloop/coophttp/hdr"
	"github.com/tymeloop/coophttp/url"
)

// parserState is the RequestParser's position in the
// StartLine -> Headers -> Body -> Done progression (spec §4.3).
type parserState int

const (
	stateStartLine parserState = iota
	stateHeaders
	stateBody
	stateDone
)

// chunkPhase is the sub-state used while stateBody is parsing a
// chunked transfer-encoding, so a partial chunk can resume correctly
// across Step calls.
type chunkPhase int

const (
	chunkPhaseSize chunkPhase = iota
	chunkPhaseData
	chunkPhaseDataCRLF
	chunkPhaseTrailer
)

// StepResult is what RequestParser.Step returns: never an error for
// "need more bytes" (that is StepNeedMore, not an error), matching
// spec §4.3's "the parser never throws on pending".
type StepResult int

const (
	StepNeedMore StepResult = iota
	StepDone
	StepError
)

// RequestParser is a resumable state machine: each Step call consumes
// as much of conn's inbound buffer as is available and either
// completes a state transition, or returns StepNeedMore leaving the
// buffer's unconsumed tail in place for the next Step call once more
// bytes have arrived. It never blocks.
type RequestParser struct {
	state parserState
	req   *Request

	pendingKey string
	pendingVal string
	haveKey    bool

	chunkPhase     chunkPhase
	chunkRemaining uint64

	maxLineLength int

	// defaultIdle is the idle-timeout duration (virtual-time
	// nanoseconds) a non-persistent connection keeps after this
	// request; checkPersisted returns 0 instead for a persistent one.
	defaultIdle int64
}

const defaultMaxLineLength = 64 << 10

// NewRequestParser returns a parser ready to read a new request from
// scratch. defaultIdle is the idle-timeout duration applied to the
// connection once persistence is known (0 for persistent requests).
func NewRequestParser(defaultIdle int64) *RequestParser {
	return &RequestParser{state: stateStartLine, req: NewRequest(), maxLineLength: defaultMaxLineLength, defaultIdle: defaultIdle}
}

// Request returns the in-progress (or completed) Request.
func (p *RequestParser) Request() *Request { return p.req }

// reset rearms the parser for another request on the same connection,
// per spec §6's persistent-connection sequencing: requests are served
// strictly sequentially, so a fresh RequestParser (sharing nothing
// with the prior one) is created once the prior response has ended.
func (p *RequestParser) reset() {
	*p = RequestParser{state: stateStartLine, req: NewRequest(), maxLineLength: defaultMaxLineLength, defaultIdle: p.defaultIdle}
}

// Step advances the parser using whatever bytes are currently
// available in conn's inbound buffer, consuming them as it goes. It
// never blocks: as soon as it would need bytes that are not yet
// available it returns StepNeedMore (or, if the connection has already
// been cut off, a PrematureClosureError).
func (p *RequestParser) Step(conn *Connection) (StepResult, error) {
	for {
		switch p.state {
		case stateStartLine:
			line, ok, tooLong := takeLine(&conn.inbound, p.maxLineLength)
			if tooLong {
				return StepError, NewBadRequestError("start line too long")
			}
			if !ok {
				return p.needMoreOrClosed(conn, "start line")
			}
			if len(line) == 0 {
				// RFC 7230 allows (and recommends tolerating) a leading
				// blank line before the request-line.
				continue
			}
			if err := p.parseStartLine(line); err != nil {
				return StepError, err
			}
			p.state = stateHeaders

		case stateHeaders:
			for {
				line, ok, tooLong := takeLine(&conn.inbound, p.maxLineLength)
				if tooLong {
					return StepError, NewBadRequestError("header line too long")
				}
				if !ok {
					return p.needMoreOrClosed(conn, "header")
				}
				if len(line) == 0 {
					p.flushPendingHeader()
					p.finishHeaders()
					p.req.Headed = true
					conn.SetIdleDuration(p.req.checkPersisted(p.defaultIdle))
					p.state = stateBody
					break
				}
				if err := p.consumeHeaderLine(line); err != nil {
					return StepError, err
				}
			}

		case stateBody:
			result, err := p.stepBody(conn)
			if result != StepDone {
				return result, err
			}
			p.finishBody()
			p.state = stateDone

		case stateDone:
			return StepDone, nil
		}
	}
}

func (p *RequestParser) needMoreOrClosed(conn *Connection, where string) (StepResult, error) {
	if conn.cutoff {
		return StepError, NewPrematureClosureError(where, nil)
	}
	return StepNeedMore, nil
}

// parseStartLine parses "METHOD SP REQUEST-TARGET SP HTTP/MAJOR.MINOR".
func (p *RequestParser) parseStartLine(line []byte) error {
	s := string(line)
	sp1 := strings.IndexByte(s, ' ')
	if sp1 < 0 {
		return NewBadRequestError("malformed start line")
	}
	rest := s[sp1+1:]
	sp2 := strings.IndexByte(rest, ' ')
	if sp2 < 0 {
		return NewBadRequestError("malformed start line")
	}
	method := s[:sp1]
	target := rest[:sp2]
	version := rest[sp2+1:]

	major, minor, err := parseHTTPVersion(version)
	if err != nil {
		return err
	}

	p.req.Method = method
	p.req.RawURL = target
	p.req.VersionMajor = major
	p.req.VersionMinor = minor

	u, err := url.ParseRequestURI(target)
	if err != nil {
		return NewBadRequestError("malformed request target")
	}
	p.req.Path = u.Path
	p.req.Query = u.RawQuery
	p.req.Fragment = u.Fragment
	if u.Scheme != "" {
		p.req.Scheme = u.Scheme
	}
	if u.Host != "" {
		p.req.Host, p.req.Port = splitHostPort(u.Host)
	}
	return nil
}

// parseHTTPVersion maps "HTTP/1.0" -> (1,0), anything else of the form
// "HTTP/1.x" -> (1,1); any other prefix is rejected per spec §4.3.
func parseHTTPVersion(v string) (int, int, error) {
	if !strings.HasPrefix(v, "HTTP/1.") {
		return 0, 0, NewBadRequestError("unsupported HTTP version: " + v)
	}
	if v == "HTTP/1.0" {
		return 1, 0, nil
	}
	// Any other HTTP/1.x (including malformed minor versions) is
	// treated as HTTP/1.1, matching the source's permissive mapping.
	return 1, 1, nil
}

// consumeHeaderLine handles one header line, including continuation
// lines (leading whitespace appends to the previous value).
func (p *RequestParser) consumeHeaderLine(line []byte) error {
	if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
		if !p.haveKey {
			return NewBadRequestError("header continuation with no preceding header")
		}
		p.pendingVal += " " + string(hdr.TrimString(string(line)))
		return nil
	}
	p.flushPendingHeader()

	colon := indexByte(line, ':')
	if colon < 0 {
		return NewBadRequestError("malformed header line")
	}
	name := string(line[:colon])
	val := hdr.TrimString(string(line[colon+1:]))

	if !httpguts.ValidHeaderFieldName(name) {
		return NewBadRequestError("invalid header field name: " + name)
	}
	if !httpguts.ValidHeaderFieldValue(val) {
		return NewBadRequestError("invalid header field value for: " + name)
	}

	p.pendingKey = name
	p.pendingVal = val
	p.haveKey = true
	return nil
}

func (p *RequestParser) flushPendingHeader() {
	if p.haveKey {
		p.req.Header.Add(p.pendingKey, p.pendingVal)
		p.haveKey = false
		p.pendingKey = ""
		p.pendingVal = ""
	}
}

// finishHeaders derives Chunked/Length/ContentType/Charset/JSONed per
// spec §4.3 step 2. Persisted is derived afterwards by Step, through
// Request.checkPersisted.
func (p *RequestParser) finishHeaders() {
	req := p.req

	if headerTokenEqualFold(req.Header.Get(hdr.TransferEncoding), DoChunked) {
		req.Chunked = true
	} else {
		cl := req.Header.Get(hdr.ContentLength)
		switch {
		case cl == "":
			req.LengthSet = true
			req.Length = 0
		default:
			req.lengthHeaderPresent = true
			n, err := strconv.ParseUint(strings.TrimSpace(cl), 10, 64)
			if err == nil {
				req.LengthSet = true
				req.Length = n
			}
			// a negative or unparseable Content-Length leaves LengthSet
			// false; stepBody surfaces that as LengthInvalidError (411).
		}
	}

	if ct := req.Header.Get(hdr.ContentType); ct != "" {
		req.ContentType = ct
		if semi := strings.IndexByte(ct, ';'); semi >= 0 {
			mediaType := strings.TrimSpace(ct[:semi])
			param := strings.TrimSpace(ct[semi+1:])
			if eq := strings.IndexByte(param, '='); eq >= 0 && asciiEqualFold(strings.TrimSpace(param[:eq]), "charset") {
				req.Charset = strings.Trim(strings.TrimSpace(param[eq+1:]), `"`)
			}
			req.ContentType = mediaType
		}
		if strings.Contains(strings.ToLower(req.ContentType), "application/json") {
			req.JSONed = true
		}
	}

	if host := req.Header.Get(hdr.Host); host != "" && req.Host == "" {
		req.Host, req.Port = splitHostPort(host)
	}
}

// finishBody sets the Done-state invariants: length mirrors the
// accumulated body, bodied/ended are set.
func (p *RequestParser) finishBody() {
	req := p.req
	req.Length = uint64(len(req.Body))
	// Defensive assertion preserved from the source's unreachable
	// `self.length and self.length < 0` check: Length is unsigned here
	// so the negative case cannot occur structurally.
	req.Bodied = true
	req.Ended = true
	req.Headed = true
}

func splitHostPort(authority string) (host, port string) {
	if i := strings.LastIndexByte(authority, ':'); i >= 0 && strings.IndexByte(authority, ']') < i {
		return authority[:i], authority[i+1:]
	}
	return authority, ""
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// takeLine scans *buf for the next line terminator (CRLF or bare LF),
// trims a trailing CR, and advances *buf past the consumed bytes. It
// mutates the buffer in place per spec §4.3: the parser "consumes
// bytes from a shared inbound buffer by mutating it in place". If no
// terminator has arrived yet and the buffer has already grown past
// maxLen, tooLong is reported instead of leaving the caller waiting
// forever on a line that will never end.
func takeLine(buf *[]byte, maxLen int) (line []byte, ok bool, tooLong bool) {
	b := *buf
	nl := indexByte(b, '\n')
	if nl < 0 {
		if maxLen > 0 && len(b) > maxLen {
			return nil, false, true
		}
		return nil, false, false
	}
	line = b[:nl]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	*buf = b[nl+1:]
	return line, true, false
}
