/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package coophttp implements the core of a non-blocking HTTP/1.x
// server: a cooperative, single-threaded accept/parse/dispatch/send
// loop driven by a single Server.Service call per scheduler tick. No
// component blocks; every suspension point (accept-would-block,
// read-would-block, write-would-block, handshake-would-block,
// needs-more-bytes, application-yielded) returns control promptly so
// the loop can service other connections.
//
// The four moving parts are Connection (C3, a non-blocking byte-duplex
// endpoint), Acceptor (C4, the listening endpoint), RequestParser (C5,
// a resumable HTTP/1.x request parser) and ResponseWriter (C6, the
// streaming response emitter); Dispatcher (C7) adapts an opaque
// Application callable to the CGI-style invocation protocol, and
// Server (C8) binds all of it into the single service() tick.
package coophttp
