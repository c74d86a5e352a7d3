// Package master implements the prefork master: it binds the listening
// socket, spawns the configured number of worker processes by re-execing
// this binary with one end of a freshly created control socket pair, runs
// the accept loop, and dispatches each accepted connection's fd to an
// IP-affine worker over that control channel.
//
// Workers are spawned via re-exec (os/exec + cmd.ExtraFiles) rather than
// fork(2), which Go does not expose: each child inherits one end of a
// freshly created socket pair and nothing else.
package master

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"waitr/internal/affinity"
	"waitr/internal/config"
	"waitr/internal/fdchan"
)

// RoleEnv and WorkerFDEnv are the internal re-exec contract between the
// master and the worker copies of this same binary. Operators never set
// these themselves.
const (
	RoleEnv     = "WAITR_ROLE"
	RoleWorker  = "worker"
	WorkerFDEnv = "WAITR_WORKER_FD"
)

// workerChannel is the master's record of one spawned worker: its pid,
// the control socket used to hand it client fds, and the exec.Cmd
// needed to wait on it during shutdown.
type workerChannel struct {
	pid     int
	control *net.UnixConn
	cmd     *exec.Cmd
}

// Master owns the worker table and the affinity cache. The cache and the
// round-robin pointer are touched only by the accept loop; the SIGINT
// goroutine also reads the worker table when it shuts the workers down.
type Master struct {
	cfg     *config.Config
	log     zerolog.Logger
	cache   *affinity.Cache
	workers []workerChannel
	nextIdx int

	shutdown atomic.Bool
}

// New constructs a Master for the given configuration.
func New(cfg *config.Config, log zerolog.Logger) *Master {
	return &Master{
		cfg:   cfg,
		log:   log,
		cache: affinity.New(),
	}
}

// Run binds the listening socket, forks the configured workers, and
// blocks in the accept loop until SIGINT triggers shutdown.
func (m *Master) Run(selfPath string) error {
	m.log.Info().Msg("master process started execution")

	ln, err := m.listen()
	if err != nil {
		return fmt.Errorf("master: listen: %w", err)
	}
	defer ln.Close()

	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, syscall.SIGINT)
	go func() {
		<-sigint
		if !m.shutdown.CompareAndSwap(false, true) {
			return // idempotent: a second SIGINT during shutdown is a no-op
		}
		// Unblocks the accept loop's ln.Accept() with a "closed network
		// connection" error instead of polling a flag on a timer.
		ln.Close()
		m.handleShutdown()
	}()

	m.log.Info().Str("addr", ln.Addr().String()).Msg("listening")

	if err := m.startWorkers(selfPath); err != nil {
		return fmt.Errorf("master: start workers: %w", err)
	}

	m.acceptLoop(ln)
	return nil
}

func (m *Master) listen() (*net.TCPListener, error) {
	addr := &net.TCPAddr{IP: net.ParseIP(m.cfg.Server.Host), Port: m.cfg.Server.Port}
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	ln, err := lc.Listen(context.Background(), "tcp", addr.String())
	if err != nil {
		return nil, err
	}
	return ln.(*net.TCPListener), nil
}

// startWorkers creates one control socket pair and re-execs self per
// configured worker: the child inherits only its own socketpair end
// (passed via ExtraFiles) and never the listening socket, since exec.Cmd
// does not inherit arbitrary fds unless explicitly listed.
func (m *Master) startWorkers(selfPath string) error {
	for i := 0; i < m.cfg.Server.Workers; i++ {
		fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
		if err != nil {
			return fmt.Errorf("socketpair %d: %w", i, err)
		}
		parentFile := os.NewFile(uintptr(fds[0]), fmt.Sprintf("worker-%d-parent", i))
		childFile := os.NewFile(uintptr(fds[1]), fmt.Sprintf("worker-%d-child", i))

		cmd := exec.Command(selfPath, os.Args[1:]...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = append(os.Environ(), RoleEnv+"="+RoleWorker, fmt.Sprintf("%s=%d", WorkerFDEnv, 3))
		cmd.ExtraFiles = []*os.File{childFile}

		if err := cmd.Start(); err != nil {
			parentFile.Close()
			childFile.Close()
			return fmt.Errorf("spawn worker %d: %w", i, err)
		}
		childFile.Close() // master no longer needs the child's copy

		parentConn, err := net.FileConn(parentFile)
		parentFile.Close() // FileConn dup'd it; release our *os.File copy
		if err != nil {
			return fmt.Errorf("wrap worker %d control socket: %w", i, err)
		}

		m.log.Info().Int("pid", cmd.Process.Pid).Msg("spawned worker")
		m.workers = append(m.workers, workerChannel{
			pid:     cmd.Process.Pid,
			control: parentConn.(*net.UnixConn),
			cmd:     cmd,
		})
	}
	return nil
}

func (m *Master) acceptLoop(ln *net.TCPListener) {
	for {
		m.log.Info().Msg("ready to accept new connections")
		conn, err := ln.Accept()
		if err != nil {
			if m.shutdown.Load() {
				return
			}
			m.log.Error().Err(err).Msg("accept error")
			continue
		}

		m.dispatch(conn)
	}
}

func (m *Master) dispatch(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return
	}

	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	widx := m.assignWorker(host)
	worker := m.workers[widx]

	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		m.log.Error().Err(err).Msg("failed to get raw client socket")
		conn.Close()
		return
	}

	var sendErr error
	ctrlErr := rawConn.Control(func(fd uintptr) {
		sendErr = fdchan.Send(worker.control, int(fd))
	})

	m.log.Info().Str("peer", host).Int("pid", worker.pid).Msg("accepted connection, sending to worker")

	conn.Close() // master's copy; the worker now owns the duplicated fd

	if ctrlErr != nil || sendErr != nil {
		m.log.Error().AnErr("raw", ctrlErr).AnErr("send", sendErr).Msg("failed to hand off client socket")
	}
}

// assignWorker returns the worker index for ip, consulting the affinity
// cache first and falling back to round robin on a miss.
func (m *Master) assignWorker(ip string) int {
	if idx, ok := m.cache.Get(ip); ok {
		return idx
	}
	idx := m.nextIdx
	m.cache.Put(ip, idx)
	m.nextIdx = (m.nextIdx + 1) % len(m.workers)
	return idx
}

// handleShutdown sends SIGTERM to every recorded worker and reaps them,
// tolerating workers that already exited.
func (m *Master) handleShutdown() {
	m.log.Info().Msg("received SIGINT, shutting down workers")
	for _, w := range m.workers {
		m.log.Info().Int("pid", w.pid).Msg("killing worker")
		if err := syscall.Kill(w.pid, syscall.SIGTERM); err != nil {
			m.log.Info().Int("pid", w.pid).Msg("worker already exited")
		}
	}
	for _, w := range m.workers {
		_, err := w.cmd.Process.Wait()
		if err == nil {
			m.log.Info().Int("pid", w.pid).Msg("worker exited")
		}
	}
	m.log.Info().Msg("shutdown complete, exiting")
	os.Exit(0)
}
