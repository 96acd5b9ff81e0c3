/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package coophttp

import "github.com/tymeloop/coophttp/hdr"

// Request is produced incrementally by RequestParser. Fields are
// filled in as parsing advances through StartLine, Headers, and Body;
// Headed/Bodied/Ended track how far parsing has progressed (spec
// §3's Request invariants: Headed implies Method/Version/Header are
// set; Chunked implies Length is unset until the body finishes).
type Request struct {
	Method       string
	RawURL       string
	VersionMajor int
	VersionMinor int
	Path         string // percent-decoded
	Scheme       string
	Host         string
	Port         string
	Query        string // left percent-encoded
	Fragment     string
	Header       hdr.Header
	ContentType  string
	Charset      string
	JSONed       bool
	Chunked      bool
	LengthSet    bool
	// lengthHeaderPresent is true iff the request literally carried a
	// Content-Length header (valid or not), as distinct from LengthSet
	// (which is also true for the implicit "no Content-Length means no
	// body" case). checkPersisted needs the former: spec §4.3 step 3's
	// "neither chunked nor a concrete Content-Length was provided"
	// means a request with no Content-Length header at all is
	// non-persistent even though its body length is still unambiguous
	// (zero).
	lengthHeaderPresent bool
	Length              uint64
	ChunkParms          []map[string]string // chunk-extension values, one map per chunk seen (spec §4.3's "parms")
	Trailers            hdr.Header          // headers following the terminal zero chunk
	Headed              bool
	Bodied              bool
	Ended               bool
	Persisted           bool
	Body                []byte
	RemoteAddr          string
}

// NewRequest returns a Request ready to be fed to a RequestParser.
func NewRequest() *Request {
	return &Request{Header: hdr.New(), Trailers: hdr.New()}
}

// checkPersisted derives Request.Persisted per spec §4.3 step 3, and
// returns the idle-timeout duration (in virtual-time nanoseconds) the
// connection should use afterwards: persistent connections disable
// their idle timer (return 0) so long-lived keep-alive clients are not
// reaped; non-persistent connections keep whatever duration is passed
// in as "defaultIdle" since the connection still needs reaping if the
// peer abandons it mid-response.
func (r *Request) checkPersisted(defaultIdle int64) int64 {
	connectionHas := func(token string) bool {
		for _, v := range r.Header.Values("Connection") {
			if headerTokenEqualFold(v, token) {
				return true
			}
		}
		return false
	}

	if r.VersionMajor == 1 && r.VersionMinor == 1 {
		r.Persisted = !connectionHas(DoClose) && (r.Chunked || r.lengthHeaderPresent)
	} else {
		r.Persisted = connectionHas(DoKeepAlive)
	}

	if r.Persisted {
		return 0
	}
	return defaultIdle
}

// headerTokenEqualFold reports whether any comma-separated token in
// header value v case-insensitively equals token (e.g. "Connection:
// keep-alive, Upgrade" containing "keep-alive").
func headerTokenEqualFold(v, token string) bool {
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			field := hdr.TrimString(v[start:i])
			if asciiEqualFold(field, token) {
				return true
			}
			start = i + 1
		}
	}
	return false
}

func asciiEqualFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
