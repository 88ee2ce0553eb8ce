// Command privsepd is the key daemon half of privsep. It is never run
// directly by a user; privsep.Init re-execs it with a listening Unix
// socket on fd 3 and a liveness pipe's read end on fd 4, the Go analogue
// of the inherited descriptors daemon_main relies on after fork() in
// original_source/openssl-privsep.c.
package main

import (
	"flag"
	"net"
	"os"
	"strconv"

	"github.com/privsep-go/privsep/internal/daemon"
	"github.com/privsep-go/privsep/internal/plog"
)

func main() {
	requirePeerUID := flag.String("require-peer-uid", "", "if set, reject connections from any other uid")
	flag.Parse()

	ln, err := net.FileListener(os.NewFile(3, "privsep-listener"))
	if err != nil {
		plog.Errorf("privsepd: adopting inherited listener: %v", err)
		os.Exit(1)
	}
	unixLn, ok := ln.(*net.UnixListener)
	if !ok {
		plog.Errorf("privsepd: inherited listener is not a Unix socket")
		os.Exit(1)
	}

	d := daemon.New()
	if *requirePeerUID != "" {
		uid, err := strconv.ParseUint(*requirePeerUID, 10, 32)
		if err != nil {
			plog.Errorf("privsepd: invalid -require-peer-uid %q: %v", *requirePeerUID, err)
			os.Exit(1)
		}
		u := uint32(uid)
		d.RequirePeerUID = &u
	}

	go daemon.WatchLiveness(os.NewFile(4, "privsep-liveness"))

	if err := d.Serve(unixLn); err != nil {
		plog.Errorf("privsepd: accept loop exited: %v", err)
		os.Exit(1)
	}
}
