//go:build !unix

/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package coophttp

import "syscall"

// controlSetListenSockOpts is a no-op on non-unix platforms: the
// SO_REUSEADDR/buffer-size tuning in acceptor_unix.go is a unix-socket
// concern the platform's own net package defaults already cover well
// enough here.
func controlSetListenSockOpts(_ string, _ string, _ syscall.RawConn) error {
	return nil
}
