//go:build unix

/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package coophttp

import (
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenRecvBuf/listenSendBuf are the large accept-side socket buffer
// sizes spec §4.2 asks for, generous enough that a burst of pipelined
// bytes from a fast client doesn't stall on a single recv.
const (
	listenRecvBuf = 256 << 10
	listenSendBuf = 256 << 10
)

// controlSetListenSockOpts is a net.ListenConfig.Control callback: it
// runs on the raw file descriptor before bind, setting SO_REUSEADDR
// and the send/recv buffer sizes per spec §4.2.
func controlSetListenSockOpts(_ string, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			sockErr = err
			return
		}
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, recvBufSetpoint()); err != nil {
			sockErr = err
			return
		}
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, listenSendBuf); err != nil {
			sockErr = err
			return
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}

// recvBufSetpoint accounts for the Linux kernel doubling whatever
// SO_RCVBUF value it is given (so a subsequent getsockopt reads back
// 2x what was requested): on Linux we ask for half of listenRecvBuf so
// the effective buffer lands on the intended size; every other unix
// kernel honors the requested value directly.
func recvBufSetpoint() int {
	if runtime.GOOS == "linux" {
		return listenRecvBuf / 2
	}
	return listenRecvBuf
}
