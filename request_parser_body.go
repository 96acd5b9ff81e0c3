/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package coophttp

import (
	"strconv"
	"strings"
)

// stepBody consumes as much of the body as conn's inbound buffer
// currently allows. A chunked body runs its own sub-state machine
// (chunkPhase) so a chunk split across several Step calls resumes
// correctly; a fixed-length body just waits for Length total bytes.
func (p *RequestParser) stepBody(conn *Connection) (StepResult, error) {
	req := p.req

	if req.Chunked {
		return p.stepChunkedBody(conn)
	}

	if !req.LengthSet {
		return StepError, &LengthInvalidError{}
	}
	want := int(req.Length) - len(req.Body)
	if want <= 0 {
		return StepDone, nil
	}
	avail := len(conn.inbound)
	if avail == 0 {
		return p.needMoreOrClosed(conn, "body")
	}
	take := want
	if take > avail {
		take = avail
	}
	req.Body = append(req.Body, conn.inbound[:take]...)
	conn.inbound = conn.inbound[take:]
	if len(req.Body) >= int(req.Length) {
		return StepDone, nil
	}
	return p.needMoreOrClosed(conn, "body")
}

// stepChunkedBody implements RFC 7230 §4.1's chunked-encoding grammar:
//
//	chunk          = size [ ";" chunk-ext ] CRLF chunk-data CRLF
//	last-chunk     = "0" [ ";" chunk-ext ] CRLF
//	trailer-part   = *( header-field CRLF )
//
// Per spec §4.3's supplemented chunk-extension handling, each chunk's
// extensions are preserved verbatim into req.ChunkParms instead of
// being discarded.
func (p *RequestParser) stepChunkedBody(conn *Connection) (StepResult, error) {
	req := p.req
	for {
		switch p.chunkPhase {
		case chunkPhaseSize:
			line, ok, tooLong := takeLine(&conn.inbound, p.maxLineLength)
			if tooLong {
				return StepError, NewBadRequestError("chunk size line too long")
			}
			if !ok {
				return p.needMoreOrClosed(conn, "body chunk")
			}
			size, parms, err := parseChunkSizeLine(line)
			if err != nil {
				return StepError, err
			}
			req.ChunkParms = append(req.ChunkParms, parms)
			if size == 0 {
				p.chunkPhase = chunkPhaseTrailer
				continue
			}
			p.chunkRemaining = size
			p.chunkPhase = chunkPhaseData

		case chunkPhaseData:
			if p.chunkRemaining == 0 {
				p.chunkPhase = chunkPhaseDataCRLF
				continue
			}
			avail := uint64(len(conn.inbound))
			if avail == 0 {
				return p.needMoreOrClosed(conn, "body chunk")
			}
			take := p.chunkRemaining
			if take > avail {
				take = avail
			}
			req.Body = append(req.Body, conn.inbound[:take]...)
			conn.inbound = conn.inbound[take:]
			p.chunkRemaining -= take
			if p.chunkRemaining == 0 {
				p.chunkPhase = chunkPhaseDataCRLF
			} else {
				return p.needMoreOrClosed(conn, "body chunk")
			}

		case chunkPhaseDataCRLF:
			line, ok, tooLong := takeLine(&conn.inbound, p.maxLineLength)
			if tooLong {
				return StepError, NewBadRequestError("chunk data terminator too long")
			}
			if !ok {
				return p.needMoreOrClosed(conn, "body chunk")
			}
			if len(line) != 0 {
				return StepError, NewBadRequestError("malformed chunk terminator")
			}
			p.chunkPhase = chunkPhaseSize

		case chunkPhaseTrailer:
			line, ok, tooLong := takeLine(&conn.inbound, p.maxLineLength)
			if tooLong {
				return StepError, NewBadRequestError("trailer line too long")
			}
			if !ok {
				return p.needMoreOrClosed(conn, "body chunk")
			}
			if len(line) == 0 {
				return StepDone, nil
			}
			name, val, err := parseTrailerLine(line)
			if err != nil {
				return StepError, err
			}
			req.Trailers.Add(name, val)
		}
	}
}

// parseChunkSizeLine parses "HEX[;ext1=val1;ext2=val2...]" into its
// size and a map of chunk-extension name/value pairs (values default
// to the empty string when no "=" is present, matching an extension
// used as a bare flag).
func parseChunkSizeLine(line []byte) (uint64, map[string]string, error) {
	s := string(line)
	sizePart := s
	var extPart string
	if semi := strings.IndexByte(s, ';'); semi >= 0 {
		sizePart = s[:semi]
		extPart = s[semi+1:]
	}
	size, err := strconv.ParseUint(strings.TrimSpace(sizePart), 16, 64)
	if err != nil {
		return 0, nil, NewBadRequestError("malformed chunk size")
	}

	parms := map[string]string{}
	if extPart != "" {
		for _, ext := range strings.Split(extPart, ";") {
			ext = strings.TrimSpace(ext)
			if ext == "" {
				continue
			}
			if eq := strings.IndexByte(ext, '='); eq >= 0 {
				parms[strings.TrimSpace(ext[:eq])] = strings.Trim(strings.TrimSpace(ext[eq+1:]), `"`)
			} else {
				parms[ext] = ""
			}
		}
	}
	return size, parms, nil
}

func parseTrailerLine(line []byte) (name, value string, err error) {
	colon := indexByte(line, ':')
	if colon < 0 {
		return "", "", NewBadRequestError("malformed trailer line")
	}
	return string(line[:colon]), trimOWS(string(line[colon+1:])), nil
}

func trimOWS(s string) string {
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\t') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}
	return s
}
