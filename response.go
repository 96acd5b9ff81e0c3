/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package coophttp

import "github.com/tymeloop/coophttp/hdr"

// Response is the shared, single-owner/single-reader handle an
// Application's DeclareFunc writes into and ResponseWriter.flushHead
// reads from. Per the deferred-header-override design note, the
// Application may keep mutating Status/Reason/Header up until its
// first non-empty body fragment; flushHead consults this handle at
// that moment, not at declaration time.
type Response struct {
	Status   int
	Reason   string
	Header   hdr.Header
	Trailers hdr.Header

	// Evented is set by ResponseWriter.DeclareResponse when
	// Content-Type begins with "text/event-stream" (spec §9 Open
	// Question, resolved by exposing it rather than dropping it): the
	// Dispatcher consults it to treat a long pause between fragments
	// as normal streaming rather than a stalled response.
	Evented bool

	// HasDeclaredLength/DeclaredLength mirror a Content-Length the
	// application declared explicitly; ResponseWriter enforces that no
	// more than DeclaredLength body bytes are ever emitted.
	HasDeclaredLength bool
	DeclaredLength    int64
}

// NewResponse returns a Response ready for an Application to declare
// into.
func NewResponse() *Response {
	return &Response{Header: hdr.New(), Trailers: hdr.New(), Status: 200}
}
