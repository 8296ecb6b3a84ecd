//go:build linux

package monsoon

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// loopbackListener binds a managed listening socket on 127.0.0.1 and
// returns the fd and port.
func loopbackListener(t *testing.T, backlog int) (int, int) {
	t.Helper()
	fd, err := Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1))
	sa := &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}
	require.NoError(t, unix.Bind(fd, sa))
	require.NoError(t, unix.Listen(fd, backlog))
	name, err := unix.Getsockname(fd)
	require.NoError(t, err)
	return fd, name.(*unix.SockaddrInet4).Port
}

// managedSocketpair returns a registered AF_UNIX stream pair.
func managedSocketpair(t *testing.T) [2]int {
	t.Helper()
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	fdMgr.Get(pair[0], true)
	fdMgr.Get(pair[1], true)
	t.Cleanup(func() {
		fdMgr.Del(pair[0])
		fdMgr.Del(pair[1])
		_ = unix.Close(pair[0])
		_ = unix.Close(pair[1])
	})
	return pair
}

func TestHookSleepConcurrent(t *testing.T) {
	iom, err := NewIOManager(WithWorkers(2), WithName("sleep"))
	require.NoError(t, err)
	defer iom.Stop()

	const n = 50
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < n; i++ {
		wg.Add(1)
		iom.Schedule(func() {
			Sleep(50 * time.Millisecond)
			wg.Done()
		})
	}
	wg.Wait()
	elapsed := time.Since(start)

	// All sleeps overlap: the whole batch completes in roughly one sleep,
	// not n of them.
	require.GreaterOrEqual(t, elapsed, 45*time.Millisecond)
	require.Less(t, elapsed, 1500*time.Millisecond,
		"50 concurrent 50ms sleeps on 2 workers took %v; they are not overlapping", elapsed)
}

func TestHookSleepOutsideFiberFallsBack(t *testing.T) {
	start := time.Now()
	Sleep(20 * time.Millisecond)
	require.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestHookUsleepNanosleep(t *testing.T) {
	iom, err := NewIOManager(WithWorkers(1), WithName("usleep"))
	require.NoError(t, err)
	defer iom.Stop()

	done := make(chan struct{})
	iom.Schedule(func() {
		Usleep(20_000)
		Nanosleep(20 * time.Millisecond)
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sleep family never completed")
	}
}

func TestHookReadTimeout(t *testing.T) {
	iom, err := NewIOManager(WithWorkers(2), WithName("read-timeout"))
	require.NoError(t, err)
	defer iom.Stop()

	pair := managedSocketpair(t)
	SetReadTimeout(pair[0], 50*time.Millisecond)

	type outcome struct {
		n       int
		err     error
		elapsed time.Duration
	}
	results := make(chan outcome, 1)
	iom.Schedule(func() {
		buf := make([]byte, 64)
		start := time.Now()
		n, err := Read(pair[0], buf)
		results <- outcome{n: n, err: err, elapsed: time.Since(start)}
	})

	select {
	case r := <-results:
		require.Equal(t, -1, r.n)
		require.ErrorIs(t, r.err, unix.ETIMEDOUT)
		require.GreaterOrEqual(t, r.elapsed, 45*time.Millisecond)
		require.Less(t, r.elapsed, time.Second)
	case <-time.After(5 * time.Second):
		t.Fatal("hooked read with timeout never returned")
	}
	require.Eventually(t, func() bool {
		return iom.PendingEvents() == 0
	}, time.Second, 5*time.Millisecond, "timed-out read left its event armed")
}

func TestHookReadWakesOnData(t *testing.T) {
	iom, err := NewIOManager(WithWorkers(2), WithName("read-wake"))
	require.NoError(t, err)
	defer iom.Stop()

	pair := managedSocketpair(t)
	got := make(chan []byte, 1)
	iom.Schedule(func() {
		buf := make([]byte, 64)
		n, err := Read(pair[0], buf)
		if err != nil {
			t.Errorf("hooked read: %v", err)
			got <- nil
			return
		}
		got <- append([]byte(nil), buf[:n]...)
	})

	time.Sleep(30 * time.Millisecond) // let the fiber suspend first
	_, err = unix.Write(pair[1], []byte("ping"))
	require.NoError(t, err)

	select {
	case data := <-got:
		require.Equal(t, []byte("ping"), data)
	case <-time.After(5 * time.Second):
		t.Fatal("suspended read never woke")
	}
}

func TestHookWriteBlocksUntilDrained(t *testing.T) {
	iom, err := NewIOManager(WithWorkers(2), WithName("write-block"))
	require.NoError(t, err)
	defer iom.Stop()

	pair := managedSocketpair(t)
	payload := bytes.Repeat([]byte{0xAB}, 1<<20)

	written := make(chan int, 1)
	iom.Schedule(func() {
		total := 0
		for total < len(payload) {
			n, err := Write(pair[0], payload[total:])
			if err != nil {
				t.Errorf("hooked write: %v", err)
				break
			}
			total += n
		}
		written <- total
	})

	// Drain slowly from the raw peer; the writer fiber must suspend while
	// the buffer is full instead of spinning on EAGAIN.
	var drained int
	buf := make([]byte, 64*1024)
	deadline := time.Now().Add(5 * time.Second)
	for drained < len(payload) && time.Now().Before(deadline) {
		n, err := unix.Read(pair[1], buf)
		if err == unix.EAGAIN {
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(t, err)
		drained += n
	}
	require.Equal(t, len(payload), drained)
	require.Equal(t, len(payload), <-written)
}

func TestHookEchoServerUnderLoad(t *testing.T) {
	iom, err := NewIOManager(WithWorkers(4), WithName("echo"))
	require.NoError(t, err)
	defer iom.Stop()

	lfd, port := loopbackListener(t, 128)

	var handlers atomic.Int32
	var peak atomic.Int32
	acceptDone := make(chan struct{})
	iom.Schedule(func() {
		defer close(acceptDone)
		for {
			cfd, _, err := Accept(lfd)
			if err != nil {
				return
			}
			fd := cfd
			iom.Schedule(func() {
				cur := handlers.Add(1)
				for {
					if old := peak.Load(); cur <= old || peak.CompareAndSwap(old, cur) {
						break
					}
				}
				defer handlers.Add(-1)
				defer Close(fd)
				buf := make([]byte, 4096)
				for {
					n, err := Read(fd, buf)
					if err != nil || n == 0 {
						return
					}
					off := 0
					for off < n {
						w, err := Write(fd, buf[off:n])
						if err != nil {
							return
						}
						off += w
					}
				}
			})
		}
	})

	const (
		clients   = 8
		chunkSize = 4096
		chunks    = 32 // 128 KiB per client
	)
	g := new(errgroup.Group)
	for c := 0; c < clients; c++ {
		seed := int64(c)
		g.Go(func() error {
			conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
			if err != nil {
				return err
			}
			defer conn.Close()

			payload := make([]byte, chunkSize*chunks)
			rand.New(rand.NewSource(seed)).Read(payload)

			readErr := make(chan error, 1)
			go func() {
				got := make([]byte, len(payload))
				if _, err := io.ReadFull(conn, got); err != nil {
					readErr <- err
					return
				}
				if !bytes.Equal(got, payload) {
					readErr <- fmt.Errorf("client %d: echoed bytes differ", seed)
					return
				}
				readErr <- nil
			}()

			for off := 0; off < len(payload); off += chunkSize {
				if _, err := conn.Write(payload[off : off+chunkSize]); err != nil {
					return err
				}
			}
			return <-readErr
		})
	}
	require.NoError(t, g.Wait())
	require.LessOrEqual(t, peak.Load(), int32(clients), "one handler per connection")

	// Closing the listener cancels the pending accept and unwinds the
	// acceptor fiber.
	require.NoError(t, Close(lfd))
	select {
	case <-acceptDone:
	case <-time.After(5 * time.Second):
		t.Fatal("acceptor did not unwind after listener close")
	}
	require.Eventually(t, func() bool {
		return handlers.Load() == 0
	}, 5*time.Second, 10*time.Millisecond, "handler fibers leaked")
}

func TestHookConnectTimeout(t *testing.T) {
	iom, err := NewIOManager(WithWorkers(2), WithName("connect-timeout"))
	require.NoError(t, err)
	defer iom.Stop()

	// A listener with a tiny backlog that is never accepted from: once the
	// backlog is saturated, further handshakes hang and the hooked connect
	// must time out rather than block a worker.
	lfd, port := loopbackListener(t, 1)
	_ = lfd
	sa := &unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}}

	var fillers []int
	t.Cleanup(func() {
		for _, fd := range fillers {
			_ = unix.Close(fd)
		}
	})
	for i := 0; i < 8; i++ {
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		require.NoError(t, err)
		require.NoError(t, unix.SetNonblock(fd, true))
		if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
			t.Fatalf("filler connect: %v", err)
		}
		fillers = append(fillers, fd)
	}
	time.Sleep(100 * time.Millisecond) // let the backlog saturate

	type outcome struct {
		err     error
		elapsed time.Duration
	}
	results := make(chan outcome, 1)
	iom.Schedule(func() {
		fd, err := Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		if err != nil {
			results <- outcome{err: err}
			return
		}
		defer Close(fd)
		start := time.Now()
		err = ConnectWithTimeout(fd, sa, 100*time.Millisecond)
		results <- outcome{err: err, elapsed: time.Since(start)}
	})

	select {
	case r := <-results:
		require.ErrorIs(t, r.err, unix.ETIMEDOUT)
		require.GreaterOrEqual(t, r.elapsed, 95*time.Millisecond)
		require.Less(t, r.elapsed, 2*time.Second)
	case <-time.After(10 * time.Second):
		t.Fatal("hooked connect never returned")
	}
	require.Eventually(t, func() bool {
		return iom.PendingEvents() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestHookConnectSuccess(t *testing.T) {
	iom, err := NewIOManager(WithWorkers(2), WithName("connect-ok"))
	require.NoError(t, err)
	defer iom.Stop()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go io.Copy(conn, conn)
		}
	}()

	done := make(chan error, 1)
	iom.Schedule(func() {
		fd, err := Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		if err != nil {
			done <- err
			return
		}
		defer Close(fd)
		sa := &unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}}
		if err := Connect(fd, sa); err != nil {
			done <- err
			return
		}
		msg := []byte("hello")
		if _, err := Write(fd, msg); err != nil {
			done <- err
			return
		}
		buf := make([]byte, 16)
		n, err := Read(fd, buf)
		if err != nil {
			done <- err
			return
		}
		if !bytes.Equal(buf[:n], msg) {
			done <- fmt.Errorf("echo mismatch: %q", buf[:n])
			return
		}
		done <- nil
	})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("hooked connect round-trip never finished")
	}
}

func TestHookUserNonblockBypassesSuspension(t *testing.T) {
	iom, err := NewIOManager(WithWorkers(1), WithName("user-nonblock"))
	require.NoError(t, err)
	defer iom.Stop()

	pair := managedSocketpair(t)
	// User code explicitly asked for non-blocking: EAGAIN must surface.
	require.NoError(t, Ioctl(pair[0], unix.FIONBIO, 1))

	results := make(chan error, 1)
	iom.Schedule(func() {
		buf := make([]byte, 8)
		_, err := Read(pair[0], buf)
		results <- err
	})
	select {
	case err := <-results:
		require.ErrorIs(t, err, unix.EAGAIN)
	case <-time.After(5 * time.Second):
		t.Fatal("user-nonblocking read suspended anyway")
	}
}

func TestHookReadOutsideFiberPassesThrough(t *testing.T) {
	pair := managedSocketpair(t)
	buf := make([]byte, 8)
	// No fiber, no reactor: the wrapper degrades to the raw non-blocking
	// syscall, and the kernel flag the registry set is observable.
	_, err := Read(pair[0], buf)
	require.ErrorIs(t, err, unix.EAGAIN)
}

func TestHookCloseWakesSuspendedReader(t *testing.T) {
	iom, err := NewIOManager(WithWorkers(2), WithName("close-wake"))
	require.NoError(t, err)
	defer iom.Stop()

	pair := managedSocketpair(t)
	results := make(chan error, 1)
	iom.Schedule(func() {
		buf := make([]byte, 8)
		_, err := Read(pair[0], buf)
		results <- err
	})
	time.Sleep(30 * time.Millisecond) // let the reader suspend

	iom.Schedule(func() {
		_ = Close(pair[0])
	})

	select {
	case err := <-results:
		require.Error(t, err, "read on a closed fd must fail")
	case <-time.After(5 * time.Second):
		t.Fatal("close did not wake the suspended reader")
	}
}

func TestHookDupRegistersClone(t *testing.T) {
	pair := managedSocketpair(t)
	nfd, err := Dup(pair[0])
	require.NoError(t, err)
	defer unix.Close(nfd)
	defer fdMgr.Del(nfd)

	info := fdMgr.Get(nfd, false)
	require.NotNil(t, info)
	require.True(t, info.IsSocket())
}

func TestHookSendRecvFamily(t *testing.T) {
	iom, err := NewIOManager(WithWorkers(2), WithName("sendrecv"))
	require.NoError(t, err)
	defer iom.Stop()

	pair := managedSocketpair(t)
	done := make(chan error, 1)
	iom.Schedule(func() {
		if _, err := Send(pair[0], []byte("abc"), 0); err != nil {
			done <- err
			return
		}
		buf := make([]byte, 8)
		n, err := Recv(pair[0], buf, 0)
		if err != nil {
			done <- err
			return
		}
		if string(buf[:n]) != "xyz" {
			done <- fmt.Errorf("recv got %q", buf[:n])
			return
		}
		done <- nil
	})

	buf := make([]byte, 8)
	require.Eventually(t, func() bool {
		n, err := unix.Read(pair[1], buf)
		return err == nil && n == 3
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, "abc", string(buf[:3]))
	_, err = unix.Write(pair[1], []byte("xyz"))
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("send/recv round trip never finished")
	}
}

func TestHookWritevReadv(t *testing.T) {
	iom, err := NewIOManager(WithWorkers(2), WithName("vectored"))
	require.NoError(t, err)
	defer iom.Stop()

	pair := managedSocketpair(t)
	done := make(chan error, 1)
	iom.Schedule(func() {
		n, err := Writev(pair[0], [][]byte{[]byte("foo"), []byte("bar")})
		if err != nil {
			done <- err
			return
		}
		if n != 6 {
			done <- fmt.Errorf("writev wrote %d", n)
			return
		}
		a := make([]byte, 2)
		b := make([]byte, 4)
		if _, err := Readv(pair[0], [][]byte{a, b}); err != nil {
			done <- err
			return
		}
		if string(a)+string(b) != "quux42" {
			done <- fmt.Errorf("readv got %q+%q", a, b)
			return
		}
		done <- nil
	})

	buf := make([]byte, 8)
	require.Eventually(t, func() bool {
		n, err := unix.Read(pair[1], buf)
		return err == nil && n == 6
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, "foobar", string(buf[:6]))
	_, err = unix.Write(pair[1], []byte("quux42"))
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("writev/readv round trip never finished")
	}
}

func TestHookFcntlUserView(t *testing.T) {
	pair := managedSocketpair(t)

	// The registry put the socket in kernel non-blocking mode, but the
	// user never asked for O_NONBLOCK: F_GETFL hides it.
	flags, err := Fcntl(pair[0], unix.F_GETFL, 0)
	require.NoError(t, err)
	require.Zero(t, flags&unix.O_NONBLOCK)

	// The user sets O_NONBLOCK: the view flips, the kernel flag stays.
	_, err = Fcntl(pair[0], unix.F_SETFL, flags|unix.O_NONBLOCK)
	require.NoError(t, err)
	flags, err = Fcntl(pair[0], unix.F_GETFL, 0)
	require.NoError(t, err)
	require.NotZero(t, flags&unix.O_NONBLOCK)
	require.True(t, fdMgr.Get(pair[0], false).UserNonblock())

	// And back: the user clears it, but the kernel flag must survive so
	// the reactor keeps seeing EAGAIN.
	_, err = Fcntl(pair[0], unix.F_SETFL, flags&^unix.O_NONBLOCK)
	require.NoError(t, err)
	flags, err = Fcntl(pair[0], unix.F_GETFL, 0)
	require.NoError(t, err)
	require.Zero(t, flags&unix.O_NONBLOCK)

	raw, err := unix.FcntlInt(uintptr(pair[0]), unix.F_GETFL, 0)
	require.NoError(t, err)
	require.NotZero(t, raw&unix.O_NONBLOCK, "kernel flag was unset")
}

func TestHookSetsockoptTimeoutRouting(t *testing.T) {
	pair := managedSocketpair(t)
	tv := unix.Timeval{Sec: 1, Usec: 500000}
	require.NoError(t, SetsockoptTimeval(pair[0], unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv))

	info := fdMgr.Get(pair[0], false)
	require.NotNil(t, info)
	require.EqualValues(t, 1500, info.Timeout(unix.SO_RCVTIMEO))
	require.EqualValues(t, noTimeout, info.Timeout(unix.SO_SNDTIMEO))
}
