//go:build linux

package monsoon

import (
	"sync/atomic"
	"time"
	"weak"

	"golang.org/x/sys/unix"
)

// The hook layer: blocking-style syscall wrappers over raw fds. Go has no
// dynamic-symbol interposition, so the runtime exposes the interception
// semantics as a distinct API with an unchanged contract: each call either
// completes against the real syscall, or suspends the calling fiber until
// the reactor reports readiness (or a deadline fires), then retries. From
// the fiber's viewpoint the call blocked; the worker thread never did, and
// EAGAIN is never observed for runtime-managed sockets.
//
// Every wrapper falls through to the bare syscall when hooking is disabled
// for the current fiber, when there is no current fiber, when the fd is not
// a registered socket, or when user code explicitly asked for non-blocking
// behavior.

// EnableHook enables syscall interception for the calling fiber. The
// scheduler enables it automatically for every fiber it dispatches.
func EnableHook() {
	if f := CurrentFiber(); f != nil {
		f.hookEnabled = true
	}
}

// DisableHook disables syscall interception for the calling fiber.
func DisableHook() {
	if f := CurrentFiber(); f != nil {
		f.hookEnabled = false
	}
}

// IsHookEnabled reports whether the calling fiber intercepts syscalls.
func IsHookEnabled() bool {
	f := CurrentFiber()
	return f != nil && f.hookEnabled
}

// hookContext resolves the calling fiber and its reactor when the hooked
// path applies; both nil otherwise.
func hookContext() (*Fiber, *IOManager) {
	f := CurrentFiber()
	if f == nil || !f.hookEnabled || f.sched == nil || f.sched.io == nil {
		return nil, nil
	}
	return f, f.sched.io
}

// timerInfo carries the timeout-cancellation handshake between a suspended
// I/O operation and its deadline timer. The timer holds only a weak
// reference, so an abandoned operation does not stay alive for its
// deadline's sake.
type timerInfo struct {
	cancelled atomic.Int32 // errno, 0 while not cancelled
}

// doIO applies the uniform I/O transformation: try the syscall, retry
// around EINTR, and on EAGAIN arm the event (plus the per-fd deadline, if
// any), yield, and retry on resumption. A deadline that fires first cancels
// the event and surfaces ETIMEDOUT.
func doIO(fd int, ev Event, timeoutKind int, fn func() (int, error)) (int, error) {
	f, iom := hookContext()
	if f == nil {
		return fn()
	}
	info := fdMgr.Get(fd, false)
	if info == nil {
		return fn()
	}
	if info.IsClosed() {
		return -1, unix.EBADF
	}
	if !info.IsSocket() || info.UserNonblock() {
		return fn()
	}

	to := info.Timeout(timeoutKind)
	tinfo := &timerInfo{}
	winfo := weak.Make(tinfo)

	for {
		n, err := fn()
		for err == unix.EINTR {
			n, err = fn()
		}
		if err != unix.EAGAIN {
			return n, err
		}

		var timer *Timer
		if to >= 0 {
			event := ev
			timer = AddConditionTimer(iom, time.Duration(to)*time.Millisecond, func() {
				t := winfo.Value()
				if t == nil || t.cancelled.Load() != 0 {
					return
				}
				t.cancelled.Store(int32(unix.ETIMEDOUT))
				iom.CancelEvent(fd, event)
			}, winfo, false)
		}

		if err := iom.AddEvent(fd, ev, nil); err != nil {
			if timer != nil {
				timer.Cancel()
			}
			return -1, err
		}
		f.Yield()
		if timer != nil {
			timer.Cancel()
		}
		if c := tinfo.cancelled.Load(); c != 0 {
			return -1, unix.Errno(c)
		}
	}
}

// Sleep suspends the calling fiber for at least d, re-scheduling it via a
// timer. Outside a fiber it degrades to time.Sleep.
func Sleep(d time.Duration) {
	f, iom := hookContext()
	if f == nil {
		time.Sleep(d)
		return
	}
	iom.AddTimer(d, func() {
		iom.ScheduleFiber(f)
	}, false)
	f.Yield()
}

// Usleep suspends the calling fiber for usec microseconds.
func Usleep(usec int64) {
	Sleep(time.Duration(usec) * time.Microsecond)
}

// Nanosleep suspends the calling fiber for the requested duration.
func Nanosleep(d time.Duration) {
	Sleep(d)
}

// Socket creates a socket and registers it with the fd registry, putting it
// under runtime control (kernel-level non-blocking).
func Socket(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return fd, err
	}
	fdMgr.Get(fd, true)
	return fd, nil
}

// Connect connects fd using the reactor's default connect timeout.
func Connect(fd int, sa unix.Sockaddr) error {
	timeout := DefaultConnectTimeout
	if _, iom := hookContext(); iom != nil {
		timeout = iom.connectTimeout
	}
	return ConnectWithTimeout(fd, sa, timeout)
}

// ConnectWithTimeout connects fd, suspending the calling fiber while the
// handshake is in progress. A timeout <= 0 waits indefinitely. On deadline
// it returns ETIMEDOUT; otherwise the connection result is read back via
// SO_ERROR, exactly like a blocking connect.
func ConnectWithTimeout(fd int, sa unix.Sockaddr, timeout time.Duration) error {
	f, iom := hookContext()
	if f == nil {
		return unix.Connect(fd, sa)
	}
	info := fdMgr.Get(fd, false)
	if info == nil {
		return unix.Connect(fd, sa)
	}
	if info.IsClosed() {
		return unix.EBADF
	}
	if !info.IsSocket() || info.UserNonblock() {
		return unix.Connect(fd, sa)
	}

	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return err
	}

	tinfo := &timerInfo{}
	winfo := weak.Make(tinfo)
	var timer *Timer
	if timeout > 0 {
		timer = AddConditionTimer(iom, timeout, func() {
			t := winfo.Value()
			if t == nil || t.cancelled.Load() != 0 {
				return
			}
			t.cancelled.Store(int32(unix.ETIMEDOUT))
			iom.CancelEvent(fd, EventWrite)
		}, winfo, false)
	}

	if err := iom.AddEvent(fd, EventWrite, nil); err != nil {
		if timer != nil {
			timer.Cancel()
		}
		log().Err().
			Int("fd", fd).
			Err(err).
			Log("connect: AddEvent failed")
		return err
	}
	f.Yield()
	if timer != nil {
		timer.Cancel()
	}
	if c := tinfo.cancelled.Load(); c != 0 {
		return unix.Errno(c)
	}

	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soerr != 0 {
		return unix.Errno(soerr)
	}
	return nil
}

// Accept accepts a connection, suspending the calling fiber until one is
// available. The accepted fd is registered with the fd registry.
func Accept(fd int) (int, unix.Sockaddr, error) {
	var sa unix.Sockaddr
	nfd, err := doIO(fd, EventRead, unix.SO_RCVTIMEO, func() (int, error) {
		n, a, e := unix.Accept(fd)
		if e == nil {
			sa = a
		}
		return n, e
	})
	if err == nil && nfd >= 0 {
		fdMgr.Get(nfd, true)
	}
	return nfd, sa, err
}

// Read reads from fd into p, suspending the calling fiber until data is
// available or the fd's receive timeout fires.
func Read(fd int, p []byte) (int, error) {
	return doIO(fd, EventRead, unix.SO_RCVTIMEO, func() (int, error) {
		return unix.Read(fd, p)
	})
}

// Readv performs a scatter read into iovs.
func Readv(fd int, iovs [][]byte) (int, error) {
	return doIO(fd, EventRead, unix.SO_RCVTIMEO, func() (int, error) {
		return unix.Readv(fd, iovs)
	})
}

// Recv receives from a connected socket.
func Recv(fd int, p []byte, flags int) (int, error) {
	return doIO(fd, EventRead, unix.SO_RCVTIMEO, func() (int, error) {
		n, _, e := unix.Recvfrom(fd, p, flags)
		return n, e
	})
}

// Recvfrom receives a datagram and its source address.
func Recvfrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	var from unix.Sockaddr
	n, err := doIO(fd, EventRead, unix.SO_RCVTIMEO, func() (int, error) {
		n, a, e := unix.Recvfrom(fd, p, flags)
		if e == nil {
			from = a
		}
		return n, e
	})
	return n, from, err
}

// Recvmsg receives a message with ancillary data.
func Recvmsg(fd int, p, oob []byte, flags int) (n, oobn, recvflags int, from unix.Sockaddr, err error) {
	n, err = doIO(fd, EventRead, unix.SO_RCVTIMEO, func() (int, error) {
		var e error
		var nn int
		nn, oobn, recvflags, from, e = unix.Recvmsg(fd, p, oob, flags)
		return nn, e
	})
	return n, oobn, recvflags, from, err
}

// Write writes p to fd, suspending the calling fiber while the kernel
// buffer is full.
func Write(fd int, p []byte) (int, error) {
	return doIO(fd, EventWrite, unix.SO_SNDTIMEO, func() (int, error) {
		return unix.Write(fd, p)
	})
}

// Writev performs a gather write from iovs.
func Writev(fd int, iovs [][]byte) (int, error) {
	return doIO(fd, EventWrite, unix.SO_SNDTIMEO, func() (int, error) {
		return unix.Writev(fd, iovs)
	})
}

// Send sends to a connected socket.
func Send(fd int, p []byte, flags int) (int, error) {
	return doIO(fd, EventWrite, unix.SO_SNDTIMEO, func() (int, error) {
		return unix.SendmsgN(fd, p, nil, nil, flags)
	})
}

// Sendto sends a datagram to the given address.
func Sendto(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return doIO(fd, EventWrite, unix.SO_SNDTIMEO, func() (int, error) {
		return unix.SendmsgN(fd, p, nil, to, flags)
	})
}

// Sendmsg sends a message with ancillary data.
func Sendmsg(fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	return doIO(fd, EventWrite, unix.SO_SNDTIMEO, func() (int, error) {
		return unix.SendmsgN(fd, p, oob, to, flags)
	})
}

// Close cancels every pending event on fd (waking their waiters), removes
// the fd from the registry, and closes it. Suspended I/O on the fd resumes
// and observes the close.
func Close(fd int) error {
	if info := fdMgr.Get(fd, false); info != nil {
		if iom := CurrentIOManager(); iom != nil {
			iom.CancelAll(fd)
		}
		fdMgr.Del(fd)
	}
	return unix.Close(fd)
}

// Fcntl mediates fcntl for managed sockets: F_SETFL records the user's
// O_NONBLOCK intent while keeping the kernel flag set, and F_GETFL reports
// the user's view rather than the kernel's. Other commands pass through.
func Fcntl(fd, cmd, arg int) (int, error) {
	switch cmd {
	case unix.F_SETFL:
		info := fdMgr.Get(fd, false)
		if info == nil || info.IsClosed() || !info.IsSocket() {
			return unix.FcntlInt(uintptr(fd), cmd, arg)
		}
		info.setUserNonblock(arg&unix.O_NONBLOCK != 0)
		if info.SysNonblock() {
			arg |= unix.O_NONBLOCK
		} else {
			arg &^= unix.O_NONBLOCK
		}
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	case unix.F_GETFL:
		flags, err := unix.FcntlInt(uintptr(fd), cmd, 0)
		if err != nil {
			return flags, err
		}
		info := fdMgr.Get(fd, false)
		if info == nil || info.IsClosed() || !info.IsSocket() {
			return flags, nil
		}
		if info.UserNonblock() {
			return flags | unix.O_NONBLOCK, nil
		}
		return flags &^ unix.O_NONBLOCK, nil
	default:
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	}
}

// Ioctl mediates ioctl: FIONBIO on a managed socket records the user's
// non-blocking intent without unsetting the kernel flag. Everything else
// passes through.
func Ioctl(fd int, req uint, val int) error {
	if req == unix.FIONBIO {
		info := fdMgr.Get(fd, false)
		if info != nil && !info.IsClosed() && info.IsSocket() {
			info.setUserNonblock(val != 0)
			return nil
		}
	}
	return unix.IoctlSetPointerInt(fd, req, val)
}

// GetsockoptInt passes through to the real getsockopt.
func GetsockoptInt(fd, level, opt int) (int, error) {
	return unix.GetsockoptInt(fd, level, opt)
}

// SetsockoptInt passes through to the real setsockopt.
func SetsockoptInt(fd, level, opt, value int) error {
	return unix.SetsockoptInt(fd, level, opt, value)
}

// SetsockoptTimeval routes SO_RCVTIMEO and SO_SNDTIMEO into the fd registry
// so hooked I/O picks the deadline up, then applies the real option.
func SetsockoptTimeval(fd, level, opt int, tv *unix.Timeval) error {
	if level == unix.SOL_SOCKET && (opt == unix.SO_RCVTIMEO || opt == unix.SO_SNDTIMEO) {
		if info := fdMgr.Get(fd, false); info != nil {
			d := time.Duration(tv.Sec)*time.Second + time.Duration(tv.Usec)*time.Microsecond
			info.SetTimeout(opt, d)
		}
	}
	return unix.SetsockoptTimeval(fd, level, opt, tv)
}

// SetReadTimeout stores a receive deadline for fd, the Duration-typed
// equivalent of SetsockoptTimeval(SO_RCVTIMEO).
func SetReadTimeout(fd int, d time.Duration) {
	if info := fdMgr.Get(fd, true); info != nil {
		info.SetTimeout(unix.SO_RCVTIMEO, d)
	}
}

// SetWriteTimeout stores a send deadline for fd.
func SetWriteTimeout(fd int, d time.Duration) {
	if info := fdMgr.Get(fd, true); info != nil {
		info.SetTimeout(unix.SO_SNDTIMEO, d)
	}
}

// Dup duplicates fd and registers the clone, so I/O on it keeps suspending
// instead of blocking.
func Dup(fd int) (int, error) {
	nfd, err := unix.Dup(fd)
	if err != nil {
		return nfd, err
	}
	fdMgr.Get(nfd, true)
	return nfd, nil
}

// Dup2 duplicates oldfd onto newfd and registers the target. A previously
// registered newfd is re-initialized, matching the implicit close dup2
// performs.
func Dup2(oldfd, newfd int) (int, error) {
	if err := unix.Dup2(oldfd, newfd); err != nil {
		return -1, err
	}
	fdMgr.Del(newfd)
	fdMgr.Get(newfd, true)
	return newfd, nil
}

// Dup3 is Dup2 with flags.
func Dup3(oldfd, newfd, flags int) (int, error) {
	if err := unix.Dup3(oldfd, newfd, flags); err != nil {
		return -1, err
	}
	fdMgr.Del(newfd)
	fdMgr.Get(newfd, true)
	return newfd, nil
}
