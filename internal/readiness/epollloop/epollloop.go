//go:build linux

// Package epollloop implements the Linux epoll(7) readiness loop, the Go
// translation of the reference implementation's epoll-server.c and of the
// raw-epoll HTTP server retrieved from the example pack, rewritten onto
// golang.org/x/sys/unix to match the rest of this module's socket-syscall
// idiom.
package epollloop

import (
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/jroosing/frameecho/internal/netutil"
	"github.com/jroosing/frameecho/internal/peer"
	"github.com/jroosing/frameecho/internal/ratelimit"
)

// Callbacks is the set of connection-lifecycle hooks the loop drives.
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
	MaxEvents  int // events returned per epoll_wait call, default 1024
	// EdgeTriggered opts into EPOLLET semantics instead of the default
	// level-triggered behavior. The reference implementation's
	// epoll-server.c runs level-triggered; edge-triggered is an additive,
	// opt-in deviation (see DESIGN.md).
	EdgeTriggered bool
	// Done, when closed, causes Loop to return nil at the next epoll_wait wakeup.
	Done <-chan struct{}
}

// Loop runs the epoll-based readiness loop until Options.Done is closed or a
// fatal error occurs.
func Loop(opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxEvents := opts.MaxEvents
	if maxEvents <= 0 {
		maxEvents = 1024
	}

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return fmt.Errorf("epollloop: epoll_create1: %w", err)
	}
	defer unix.Close(epfd)

	listenerEvent := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(opts.ListenerFD)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, opts.ListenerFD, &listenerEvent); err != nil {
		return fmt.Errorf("epollloop: epoll_ctl add listener: %w", err)
	}

	events := make([]unix.EpollEvent, maxEvents)

	for {
		select {
		case <-opts.Done:
			return nil
		default:
		}

		n, err := unix.EpollWait(epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epollloop: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)

			if ev.Events&unix.EPOLLERR != 0 {
				logger.Error("epoll error event", slog.Int("fd", fd))
				unix.EpollCtl(epfd, unix.EPOLL_CTL_DEL, fd, nil)
				unix.Close(fd)
				opts.Callbacks.Remove(fd)
				continue
			}

			if fd == opts.ListenerFD {
				acceptLoop(opts, epfd, logger)
				continue
			}

			var intent peer.Intent
			if ev.Events&unix.EPOLLIN != 0 {
				intent = opts.Callbacks.OnRecvReady(fd)
				applyIntent(opts.Callbacks, epfd, fd, intent, opts.EdgeTriggered, logger)
			}
			// The recv branch may have just closed and removed fd (e.g. the
			// peer disconnected). Don't dispatch the write branch against a
			// removed entry — guards against a future OnSendReady variant
			// that arms read+write together and would otherwise double-close.
			if ev.Events&unix.EPOLLOUT != 0 && opts.Callbacks.Active(fd) {
				intent = opts.Callbacks.OnSendReady(fd)
				applyIntent(opts.Callbacks, epfd, fd, intent, opts.EdgeTriggered, logger)
			}
		}
	}
}

func acceptLoop(opts Options, epfd int, logger *slog.Logger) {
	for {
		newFD, sa, err := unix.Accept(opts.ListenerFD)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return
			}
			logger.Error("accept failed", slog.String("error", err.Error()))
			return
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

		host, service := netutil.FormatPeer(sa)
		logger.Info("peer connected", slog.Int("fd", newFD), slog.String("host", host), slog.String("service", service))

		intent, err := opts.Callbacks.OnConnect(newFD)
		if err != nil {
			logger.Error("on-connect failed", slog.String("error", err.Error()))
			unix.Close(newFD)
			continue
		}

		events := intentToEvents(intent, opts.EdgeTriggered)
		ev := unix.EpollEvent{Events: events, Fd: int32(newFD)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, newFD, &ev); err != nil {
			logger.Error("epoll_ctl add peer failed", slog.String("error", err.Error()))
			unix.Close(newFD)
			opts.Callbacks.Remove(newFD)
		}
	}
}

func applyIntent(cb Callbacks, epfd, fd int, intent peer.Intent, edgeTriggered bool, logger *slog.Logger) {
	if !intent.Read && !intent.Write {
		logger.Info("socket closing", slog.Int("fd", fd))
		unix.EpollCtl(epfd, unix.EPOLL_CTL_DEL, fd, nil)
		unix.Close(fd)
		cb.Remove(fd)
		return
	}

	events := intentToEvents(intent, edgeTriggered)
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		logger.Error("epoll_ctl mod failed", slog.Int("fd", fd), slog.String("error", err.Error()))
	}
}

func intentToEvents(intent peer.Intent, edgeTriggered bool) uint32 {
	var events uint32
	if intent.Read {
		events |= unix.EPOLLIN
	}
	if intent.Write {
		events |= unix.EPOLLOUT
	}
	if edgeTriggered {
		events |= unix.EPOLLET
	}
	return events
}
