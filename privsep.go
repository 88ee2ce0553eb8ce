// Package privsep boots and talks to a privilege-separated RSA key daemon.
// The parent process (this package) never holds a private key in its own
// address space: Init re-execs a small daemon binary, hands it a listening
// Unix socket and a liveness pipe as inherited file descriptors, and
// returns an Instance whose LoadPrivateKeyFile/LoadPKCS11Key ask that
// daemon to load a key and hand back a client.Key proxying it.
//
// This is the Go restatement of privsep_init/privsep_fork in
// original_source/openssl-privsep.c. Go has no fork() that preserves the
// caller's address space, so where the C implementation forks and the
// child simply already has the private key material in memory, this
// package instead re-execs a distinct daemon binary and relies on the
// exec boundary itself — a fresh address space from a fresh binary image —
// to keep the key material out of the parent, exactly as encouraged by the
// portability guidance in spec.md §9.
package privsep

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/privsep-go/privsep/client"
	"github.com/privsep-go/privsep/internal/plog"
)

// Instance is one running key daemon plus the parent-side connection pool
// dialing it. The zero value is not usable; obtain one from Init.
type Instance struct {
	dir           string
	pool          *client.Pool
	cmd           *exec.Cmd
	livenessWrite *os.File
	fatal         func(error)
}

// Option configures Init.
type Option func(*config)

type config struct {
	requirePeerUID *uint32
	fatal          func(error)
	daemonArgs     []string
}

// WithDaemonArgs passes extra arguments through to the daemon binary's
// argv, ahead of the flags Init itself appends for peer-UID checking.
// Useful when daemonBinary is a caller's own multi-purpose binary that
// needs a subcommand name to know to run as the privsep daemon.
func WithDaemonArgs(args ...string) Option {
	return func(c *config) { c.daemonArgs = args }
}

// WithFatalHook overrides the default log.Fatal behavior invoked when a
// client.Key loses its connection to the daemon. Intended for tests that
// need to observe the failure instead of exiting the process.
func WithFatalHook(hook func(error)) Option {
	return func(c *config) { c.fatal = hook }
}

// WithPeerUIDCheck tells the daemon to reject any connection whose
// SO_PEERCRED uid does not match uid (component J's best-effort
// hardening). Without this option the daemon accepts any local
// connection, relying solely on the tempdir's 0700 permissions and the
// socket's containing directory to keep other users out.
func WithPeerUIDCheck(uid uint32) Option {
	return func(c *config) { c.requirePeerUID = &uid }
}

// Init starts daemonBinary (typically built from cmd/privsepd, or a
// caller's own binary re-execing itself under a recognized argv[0]/flag)
// as the key daemon, and returns an Instance ready to load keys through
// it.
func Init(daemonBinary string, opts ...Option) (*Instance, error) {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}

	dir, err := os.MkdirTemp("", "privsep-*")
	if err != nil {
		return nil, fmt.Errorf("privsep: creating temp dir: %w", err)
	}
	if err := os.Chmod(dir, 0700); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("privsep: chmod temp dir: %w", err)
	}

	sockPath := filepath.Join(dir, "_")
	addr := &net.UnixAddr{Name: sockPath, Net: "unix"}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("privsep: listening on %s: %w", sockPath, err)
	}
	lnFile, err := ln.File()
	if err != nil {
		ln.Close()
		os.RemoveAll(dir)
		return nil, fmt.Errorf("privsep: dup'ing listener fd: %w", err)
	}

	pipeRead, pipeWrite, err := os.Pipe()
	if err != nil {
		ln.Close()
		lnFile.Close()
		os.RemoveAll(dir)
		return nil, fmt.Errorf("privsep: creating liveness pipe: %w", err)
	}

	cmd := exec.Command(daemonBinary, cfg.daemonArgs...)
	// fd 3 = listener, fd 4 = liveness read end, matching cmd/privsepd's
	// own hardcoded expectations; ExtraFiles never leaks the parent's
	// other descriptors (Go closes everything else on exec) or the
	// pipe's write end (never listed here), the Go idiom for O_CLOEXEC.
	cmd.ExtraFiles = []*os.File{lnFile, pipeRead}
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if cfg.requirePeerUID != nil {
		cmd.Args = append(cmd.Args, "-require-peer-uid", strconv.FormatUint(uint64(*cfg.requirePeerUID), 10))
	}

	if err := cmd.Start(); err != nil {
		ln.Close()
		lnFile.Close()
		pipeRead.Close()
		pipeWrite.Close()
		os.RemoveAll(dir)
		return nil, fmt.Errorf("privsep: starting daemon: %w", err)
	}

	// The parent no longer needs its own copies of the listener or the
	// pipe read end; the child inherited working duplicates of both. A
	// net.UnixListener created by ListenUnix unlinks its socket path on
	// Close, which would leave the daemon listening on a socket nobody can
	// dial, so that is switched off first; Close removes the whole tempdir
	// later.
	ln.SetUnlinkOnClose(false)
	ln.Close()
	lnFile.Close()
	pipeRead.Close()

	pool := client.NewPool(addr)
	return &Instance{
		dir:           dir,
		pool:          pool,
		cmd:           cmd,
		livenessWrite: pipeWrite,
		fatal:         cfg.fatal,
	}, nil
}

// LoadPrivateKeyFile asks the daemon to load the PEM-encoded RSA private
// key at path and returns a client.Key proxying it.
func (inst *Instance) LoadPrivateKeyFile(path string) (*client.Key, error) {
	return client.LoadPrivateKeyFile(inst.pool, path, inst.fatal)
}

// LoadPKCS11Key asks the daemon to load an RSA signing key from a PKCS#11
// token (component K) and returns a client.Key proxying it. The returned
// key answers Sign only; PrivEnc, PrivDec, and Decrypt report an error.
func (inst *Instance) LoadPKCS11Key(module, slotHex, label, pin string) (*client.Key, error) {
	return client.LoadPKCS11Key(inst.pool, module, slotHex, label, pin, inst.fatal)
}

// Close tears the instance down: closing the liveness pipe's write end
// causes the daemon to observe EOF and exit on its own (WatchLiveness),
// the same shutdown signal daemon_close_notify_thread waits for in the
// original source. Close waits for the daemon to exit, then removes the
// temp directory holding the socket.
func (inst *Instance) Close() error {
	if err := inst.pool.Close(); err != nil {
		plog.Warnf("privsep: closing connection pool: %v", err)
	}
	if err := inst.livenessWrite.Close(); err != nil {
		plog.Warnf("privsep: closing liveness pipe: %v", err)
	}
	waitErr := inst.cmd.Wait()
	if err := os.RemoveAll(inst.dir); err != nil {
		plog.Warnf("privsep: removing temp dir %s: %v", inst.dir, err)
	}
	return waitErr
}
