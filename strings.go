/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package coophttp

const (
	GET     = "GET"
	POST    = "POST"
	PUT     = "PUT"
	DELETE  = "DELETE"
	HEAD    = "HEAD"
	OPTIONS = "OPTIONS"
	PATCH   = "PATCH"
	TRACE   = "TRACE"
	CONNECT = "CONNECT"

	SchemeHTTP  = "http"
	SchemeHTTPS = "https"

	HTTP1_0 = "HTTP/1.0"
	HTTP1_1 = "HTTP/1.1"

	DoClose     = "close"
	DoKeepAlive = "keep-alive"
	DoChunked   = "chunked"

	// ProductString is the default Server header value, injected by
	// flushHead when the application does not set its own.
	ProductString = "coophttp/1.0"
)

var (
	CRLF       = []byte("\r\n")
	LF         = []byte("\n")
	DoubleCRLF = []byte("\r\n\r\n")
)
