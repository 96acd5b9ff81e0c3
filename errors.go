/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package coophttp

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tymeloop/coophttp/hdr"
)

// PrematureClosureError reports that the peer closed (or the
// connection was cut off) before the RequestParser reached Done. It is
// fatal for the connection and is never reported to the peer.
type PrematureClosureError struct {
	State string // "start line", "header", "body chunk", "body"
	Cause error
}

func (e *PrematureClosureError) Error() string {
	return fmt.Sprintf("coophttp: premature closure while reading %s", e.State)
}

func (e *PrematureClosureError) Unwrap() error { return e.Cause }

// NewPrematureClosureError wraps cause (which may be nil) as a
// PrematureClosureError at the given parse state.
func NewPrematureClosureError(state string, cause error) *PrematureClosureError {
	return &PrematureClosureError{State: state, Cause: errors.WithStack(cause)}
}

// BadRequestError reports a malformed start-line, unknown HTTP
// version, or malformed chunk size. It surfaces as 400 to the peer
// when no response bytes have been sent yet.
type BadRequestError struct {
	Reason string
	Cause  error
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("coophttp: bad request: %s", e.Reason)
}

func (e *BadRequestError) Unwrap() error { return e.Cause }

func NewBadRequestError(reason string) *BadRequestError {
	return &BadRequestError{Reason: reason, Cause: errors.New(reason)}
}

// LengthInvalidError reports that a body was required (the request is
// neither chunked nor carries a usable Content-Length). It surfaces as
// 411 to the peer.
type LengthInvalidError struct{}

func (e *LengthInvalidError) Error() string {
	return "coophttp: invalid body, content-length not provided"
}

// TLSHandshakeError reports a handshake that aborted before
// completion; the staged connection is discarded without a response.
type TLSHandshakeError struct {
	Cause error
}

func (e *TLSHandshakeError) Error() string {
	return fmt.Sprintf("coophttp: tls handshake aborted: %v", e.Cause)
}

func (e *TLSHandshakeError) Unwrap() error { return e.Cause }

// HTTPError is the structured error an Application may raise before
// any headers have been sent. The Dispatcher renders it as the
// response verbatim; if headers were already committed the Dispatcher
// logs it instead and closes the connection (spec: "you cannot retry
// once committed").
type HTTPError struct {
	Status int
	Reason string
	Header hdr.Header
	Body   []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("coophttp: application error %d %s", e.Status, e.Reason)
}

// NewHTTPError builds an HTTPError with a plain-text body.
func NewHTTPError(status int, reason string, body string) *HTTPError {
	return &HTTPError{Status: status, Reason: reason, Header: hdr.New(), Body: []byte(body)}
}
