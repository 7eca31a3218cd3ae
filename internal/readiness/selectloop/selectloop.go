// Package selectloop implements the level-triggered, full-descriptor-range
// select(2) readiness loop, the Go translation of the reference
// implementation's select-server.c.
package selectloop

import (
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/jroosing/frameecho/internal/netutil"
	"github.com/jroosing/frameecho/internal/peer"
	"github.com/jroosing/frameecho/internal/ratelimit"
)

// Callbacks is the set of connection-lifecycle hooks the loop drives,
// implemented by internal/peer.Table in production and mockable in tests.
type Callbacks interface {
	OnConnect(fd int) (peer.Intent, error)
	OnRecvReady(fd int) peer.Intent
	OnSendReady(fd int) peer.Intent
	Remove(fd int)
	Active(fd int) bool
}

// Options configures a single Loop invocation.
type Options struct {
	ListenerFD int
	Callbacks  Callbacks
	Limiter    *ratelimit.Limiter // nil disables admission control
	Logger     *slog.Logger
	// Done, when closed, causes Loop to return nil at the next select wakeup.
	Done <-chan struct{}
}

// Loop runs the select-based readiness loop until Options.Done is closed or
// a fatal error occurs. It never returns on a clean, ongoing run.
func Loop(opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if opts.ListenerFD >= unix.FD_SETSIZE {
		return fmt.Errorf("selectloop: listener fd %d >= FD_SETSIZE %d", opts.ListenerFD, unix.FD_SETSIZE)
	}

	var readSet, writeSet unix.FdSet
	fdSetMax := opts.ListenerFD
	fdSet(&readSet, opts.ListenerFD)

	for {
		select {
		case <-opts.Done:
			return nil
		default:
		}

		rfds := readSet
		wfds := writeSet

		n, err := unix.Select(fdSetMax+1, &rfds, &wfds, nil, nil)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("selectloop: select: %w", err)
		}

		for fd := 0; fd <= fdSetMax && n > 0; fd++ {
			readReady := fdIsSet(&rfds, fd)
			writeReady := fdIsSet(&wfds, fd)
			if !readReady && !writeReady {
				continue
			}

			if readReady {
				n--
				if fd == opts.ListenerFD {
					fdSetMax = acceptLoop(opts, &readSet, &writeSet, fdSetMax, logger)
				} else {
					intent := opts.Callbacks.OnRecvReady(fd)
					applyIntent(opts.Callbacks, fd, intent, &readSet, &writeSet, logger)
				}
			}
			// The read branch may have just closed and removed fd. Don't
			// dispatch the write branch against a removed entry.
			if writeReady && fd != opts.ListenerFD && opts.Callbacks.Active(fd) {
				n--
				intent := opts.Callbacks.OnSendReady(fd)
				applyIntent(opts.Callbacks, fd, intent, &readSet, &writeSet, logger)
			}
		}
	}
}

func acceptLoop(opts Options, readSet, writeSet *unix.FdSet, fdSetMax int, logger *slog.Logger) int {
	for {
		newFD, sa, err := unix.Accept(opts.ListenerFD)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return fdSetMax
			}
			logger.Error("accept failed", slog.String("error", err.Error()))
			return fdSetMax
		}

		if opts.Limiter != nil && !opts.Limiter.AllowString(netutil.IPString(sa)) {
			logger.Warn("connection rejected by admission control", slog.String("addr", netutil.AddrString(sa)))
			unix.Close(newFD)
			continue
		}

		if err := netutil.SetNonblocking(newFD); err != nil {
			logger.Error("set non-blocking failed", slog.String("error", err.Error()))
			unix.Close(newFD)
			continue
		}

		if newFD >= unix.FD_SETSIZE {
			logger.Error("accepted fd exceeds FD_SETSIZE, dropping connection", slog.Int("fd", newFD))
			unix.Close(newFD)
			continue
		}
		if newFD > fdSetMax {
			fdSetMax = newFD
		}

		host, service := netutil.FormatPeer(sa)
		logger.Info("peer connected", slog.Int("fd", newFD), slog.String("host", host), slog.String("service", service))

		intent, err := opts.Callbacks.OnConnect(newFD)
		if err != nil {
			logger.Error("on-connect failed", slog.String("error", err.Error()))
			unix.Close(newFD)
			continue
		}
		applyIntent(opts.Callbacks, newFD, intent, readSet, writeSet, logger)
	}
}

func applyIntent(cb Callbacks, fd int, intent peer.Intent, readSet, writeSet *unix.FdSet, logger *slog.Logger) {
	if intent.Read {
		fdSet(readSet, fd)
	} else {
		fdClr(readSet, fd)
	}

	if intent.Write {
		fdSet(writeSet, fd)
	} else {
		fdClr(writeSet, fd)
	}

	if !intent.Read && !intent.Write {
		logger.Info("socket closing", slog.Int("fd", fd))
		unix.Close(fd)
		cb.Remove(fd)
	}
}

func fdSet(set *unix.FdSet, fd int) {
	idx := fd / 64
	bit := uint(fd % 64)
	set.Bits[idx] |= 1 << bit
}

func fdClr(set *unix.FdSet, fd int) {
	idx := fd / 64
	bit := uint(fd % 64)
	set.Bits[idx] &^= 1 << bit
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	idx := fd / 64
	bit := uint(fd % 64)
	return set.Bits[idx]&(1<<bit) != 0
}
