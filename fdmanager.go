//go:build linux

package monsoon

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// noTimeout marks a direction with no deadline configured.
const noTimeout = int64(-1)

// FdInfo is the per-fd metadata kept by the process-wide registry: whether
// the fd is a socket under runtime control, the kernel-level non-blocking
// flag (set by the runtime), the user-level non-blocking flag (set via
// Fcntl/Ioctl), and the per-direction timeouts.
type FdInfo struct {
	mu           sync.Mutex
	fd           int
	initialized  bool
	isSocket     bool
	sysNonblock  bool
	userNonblock bool
	closed       bool
	recvTimeout  int64 // ms; noTimeout when unset
	sendTimeout  int64
}

func newFdInfo(fd int) *FdInfo {
	info := &FdInfo{
		fd:          fd,
		recvTimeout: noTimeout,
		sendTimeout: noTimeout,
	}
	info.init()
	return info
}

// init probes the fd and, for sockets, sets the kernel non-blocking flag so
// the reactor gets its EAGAIN. The user-visible flag stays untouched.
func (i *FdInfo) init() {
	if i.initialized {
		return
	}
	var st unix.Stat_t
	if err := unix.Fstat(i.fd, &st); err != nil {
		return
	}
	i.initialized = true
	i.isSocket = st.Mode&unix.S_IFMT == unix.S_IFSOCK
	if i.isSocket {
		flags, err := unix.FcntlInt(uintptr(i.fd), unix.F_GETFL, 0)
		if err == nil && flags&unix.O_NONBLOCK == 0 {
			_, _ = unix.FcntlInt(uintptr(i.fd), unix.F_SETFL, flags|unix.O_NONBLOCK)
		}
		i.sysNonblock = true
	}
}

// IsSocket reports whether the fd was a socket at registration time.
func (i *FdInfo) IsSocket() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.isSocket
}

// IsClosed reports whether the runtime observed a Close of this fd.
func (i *FdInfo) IsClosed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

func (i *FdInfo) setClosed() {
	i.mu.Lock()
	i.closed = true
	i.mu.Unlock()
}

// SysNonblock reports the kernel-level non-blocking flag as tracked by the
// runtime.
func (i *FdInfo) SysNonblock() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sysNonblock
}

// UserNonblock reports whether user code explicitly requested non-blocking
// behavior for this fd.
func (i *FdInfo) UserNonblock() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.userNonblock
}

func (i *FdInfo) setUserNonblock(v bool) {
	i.mu.Lock()
	i.userNonblock = v
	i.mu.Unlock()
}

// SetTimeout stores the deadline for one direction; kind is SO_RCVTIMEO or
// SO_SNDTIMEO. A non-positive duration clears it.
func (i *FdInfo) SetTimeout(kind int, d time.Duration) {
	ms := noTimeout
	if d > 0 {
		ms = int64(d / time.Millisecond)
	}
	i.mu.Lock()
	switch kind {
	case unix.SO_RCVTIMEO:
		i.recvTimeout = ms
	case unix.SO_SNDTIMEO:
		i.sendTimeout = ms
	}
	i.mu.Unlock()
}

// Timeout returns the stored deadline in milliseconds for one direction, or
// noTimeout.
func (i *FdInfo) Timeout(kind int) int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	switch kind {
	case unix.SO_RCVTIMEO:
		return i.recvTimeout
	case unix.SO_SNDTIMEO:
		return i.sendTimeout
	default:
		return noTimeout
	}
}

// FdManager is the process-wide fd→FdInfo registry, a slice indexed by fd
// with the standard concurrent-grow pattern: read lock to look up, promote
// to the write lock on grow, double-check under the write lock.
type FdManager struct {
	mu  sync.RWMutex
	fds []*FdInfo
}

// fdMgr is the process-wide registry instance, mirroring the singleton the
// hook layer consults on every intercepted call.
var fdMgr = &FdManager{fds: make([]*FdInfo, 64)}

// Get returns the FdInfo for fd, creating and initializing it when
// autoCreate is set. Returns nil for unregistered fds otherwise.
func (m *FdManager) Get(fd int, autoCreate bool) *FdInfo {
	if fd < 0 {
		return nil
	}
	m.mu.RLock()
	if fd < len(m.fds) {
		if info := m.fds[fd]; info != nil || !autoCreate {
			m.mu.RUnlock()
			return info
		}
	} else if !autoCreate {
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if fd >= len(m.fds) {
		size := fd + fd/2
		if size <= fd {
			size = fd + 1
		}
		fds := make([]*FdInfo, size)
		copy(fds, m.fds)
		m.fds = fds
	}
	if m.fds[fd] == nil {
		m.fds[fd] = newFdInfo(fd)
	}
	return m.fds[fd]
}

// Del removes the fd from the registry.
func (m *FdManager) Del(fd int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fd < 0 || fd >= len(m.fds) {
		return
	}
	if info := m.fds[fd]; info != nil {
		info.setClosed()
	}
	m.fds[fd] = nil
}

// Fds returns the process-wide registry.
func Fds() *FdManager { return fdMgr }
