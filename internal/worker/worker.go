package worker

import (
	"bytes"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"waitr/internal/config"
	"waitr/internal/connection"
	"waitr/internal/fdchan"
	"waitr/internal/httpframe"
	"waitr/internal/proxy"
	"waitr/internal/static"
)

// IdleTimeout is the inactivity threshold after which a connection is
// swept and closed.
const IdleTimeout = 60 * time.Second

// SelectorTimeoutMS bounds each epoll_wait call; the idle sweep runs
// after every wait, so this also bounds the sweep's granularity.
const SelectorTimeoutMS = 5000

// Worker owns one epoll poller, the control UDS it receives client fds
// on, and every connection.Conn assigned to this process.
type Worker struct {
	control *net.UnixConn
	poller  *poller
	cfg     *config.Config
	log     zerolog.Logger

	staticResp *static.Responder
	forwarder  *proxy.Forwarder

	// proxySem bounds how many upstream requests this worker has in
	// flight at once (config server.proxy_concurrency); wakeR/wakeW are
	// a self-pipe the event loop polls alongside real sockets so a
	// completed upstream call can hand its response back to the single
	// epoll-driven goroutine without that goroutine ever blocking on
	// network I/O itself.
	proxySem chan struct{}
	results  chan proxyResult
	wakeR    int
	wakeW    int

	conns    map[int]*connection.Conn
	shutdown atomic.Bool
}

// proxyResult is one completed upstream round trip, keyed by the client
// fd it belongs to so the event loop can find the connection again (it
// may have been closed by the idle sweep while the request was in
// flight, in which case the result is simply discarded).
type proxyResult struct {
	fd   int
	conn *connection.Conn
	resp []byte
}

// New constructs a worker bound to control, the UDS end it will receive
// client fds on from the master.
func New(control *net.UnixConn, cfg *config.Config, log zerolog.Logger) *Worker {
	concurrency := cfg.Server.ProxyConcurrency
	if concurrency <= 0 {
		concurrency = config.DefaultProxyConcurrency
	}
	return &Worker{
		control:    control,
		cfg:        cfg,
		log:        log,
		staticResp: static.New(cfg.Static.Root, cfg.Static.Index),
		forwarder:  proxy.New(),
		proxySem:   make(chan struct{}, concurrency),
		results:    make(chan proxyResult, concurrency),
		conns:      make(map[int]*connection.Conn),
	}
}

// Run registers the control socket and runs the event loop until SIGTERM.
// It returns an error only if creating the poller or wakeup pipe, or
// registering either with epoll, fails; an epoll_wait error inside the
// loop is logged and the loop continues. It resets SIGINT to its default
// disposition first, so a terminal Ctrl-C reaches only the master.
func (w *Worker) Run() error {
	signal.Reset(syscall.SIGINT)

	sigterm := make(chan os.Signal, 1)
	signal.Notify(sigterm, syscall.SIGTERM)
	go func() {
		<-sigterm
		w.log.Info().Msg("received SIGTERM, shutting down")
		w.shutdown.Store(true)
	}()

	p, err := newPoller()
	if err != nil {
		w.log.Error().Err(err).Msg("failed to create poller")
		return err
	}
	w.poller = p

	pipeFDs := make([]int, 2)
	if err := unix.Pipe2(pipeFDs, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		w.log.Error().Err(err).Msg("failed to create wakeup pipe")
		return err
	}
	w.wakeR, w.wakeW = pipeFDs[0], pipeFDs[1]
	if err := w.poller.add(w.wakeR, EventRead); err != nil {
		w.log.Error().Err(err).Msg("failed to register wakeup pipe")
		return err
	}

	controlFD, err := fdOf(w.control)
	if err != nil {
		w.log.Error().Err(err).Msg("failed to get control socket fd")
		return err
	}
	if err := w.poller.add(controlFD, EventRead); err != nil {
		w.log.Error().Err(err).Msg("failed to register control socket")
		return err
	}

	w.log.Info().Msg("starting event loop")

	for !w.shutdown.Load() {
		events, err := w.poller.wait(SelectorTimeoutMS)
		if err != nil {
			w.log.Error().Err(err).Msg("selector error")
			continue
		}

		for _, ev := range events {
			switch ev.fd {
			case controlFD:
				w.handleControlReadable()
			case w.wakeR:
				w.handleWake()
			default:
				w.handleConnectionEvent(ev)
			}
		}

		w.sweepIdle()
	}

	w.log.Debug().Msg("shutdown initiated, closing all connections")
	for fd := range w.conns {
		w.closeConnection(fd)
	}
	unix.Close(w.wakeR)
	unix.Close(w.wakeW)
	w.poller.close()
	w.log.Info().Msg("finished cleaning up, exiting")
	return nil
}

func (w *Worker) handleControlReadable() {
	fd, err := fdchan.Recv(w.control)
	if err != nil {
		w.log.Warn().Err(err).Msg("failed to receive fd from master")
		return
	}
	if fd == -1 {
		return
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		w.log.Warn().Err(err).Msg("failed to set client socket non-blocking")
		unix.Close(fd)
		return
	}

	peer := peerAddr(fd)
	conn := connection.New(fd, peer, time.Now())
	if err := w.poller.add(fd, EventRead); err != nil {
		w.log.Warn().Err(err).Msg("failed to register client socket")
		unix.Close(fd)
		return
	}
	w.conns[fd] = conn
	w.log.Debug().Int("fd", fd).Str("peer", peer).Msg("received fd from master")
}

func (w *Worker) handleConnectionEvent(ev readyEvent) {
	conn, ok := w.conns[ev.fd]
	if !ok {
		return
	}

	switch conn.Stage {
	case connection.StageReading:
		if ev.readable {
			w.handleClientRead(conn)
		}
	case connection.StageWriting:
		if ev.writable {
			w.handleClientWrite(conn)
		}
	}
}

func (w *Worker) handleClientRead(conn *connection.Conn) {
	buf := make([]byte, 4096)
	n, err := unix.Read(conn.FD, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		w.log.Error().Err(err).Int("fd", conn.FD).Msg("error during read")
		w.closeConnection(conn.FD)
		return
	}
	if n == 0 {
		w.log.Info().Int("fd", conn.FD).Msg("client closed connection")
		w.closeConnection(conn.FD)
		return
	}

	conn.RecvBuffer = append(conn.RecvBuffer, buf[:n]...)
	conn.LastActive = time.Now()

	if !httpframe.IsFullRequest(conn.RecvBuffer) {
		return
	}

	req, ok := parseRequest(conn.RecvBuffer)
	if !ok {
		w.log.Warn().Int("fd", conn.FD).Msg("malformed start line")
		w.closeConnection(conn.FD)
		return
	}

	w.log.Info().Str("method", req.method).Str("path", req.path).Str("peer", conn.PeerAddr).Msg("received request")

	conn.KeepAlive = keepAlive(req)

	bodyStart := -1
	if idx := bytes.Index(conn.RecvBuffer, []byte("\r\n\r\n")); idx != -1 {
		bodyStart = idx + 4
	}

	// A proxied request never runs on this goroutine: Forward() blocks
	// on upstream I/O, which would stall every other connection this
	// worker owns. Everything else (static files, 405s) is in-memory
	// and cheap enough to answer inline.
	if !(req.method == "GET" && req.path == "/") {
		if route, ok := proxy.Match(req.path, w.cfg.Proxy); ok {
			var body []byte
			if bodyStart >= 0 && bodyStart <= len(conn.RecvBuffer) {
				body = append([]byte(nil), conn.RecvBuffer[bodyStart:]...)
			}
			conn.RecvBuffer = nil
			w.startProxy(conn, req, body, route)
			return
		}
	}

	conn.SendBuffer = dispatch(req, bodyStart, conn.RecvBuffer, w.cfg, w.staticResp, w.forwarder)
	conn.RecvBuffer = nil
	conn.Stage = connection.StageWriting

	if err := w.poller.modify(conn.FD, EventWrite); err != nil {
		w.log.Error().Err(err).Int("fd", conn.FD).Msg("failed to arm for write")
		w.closeConnection(conn.FD)
	}
}

// startProxy hands the upstream round trip to a bounded pool of
// goroutines (size config server.proxy_concurrency). A saturated pool
// degrades to an immediate Bad Gateway rather than queuing requests
// indefinitely or blocking the event loop to wait for a free slot.
func (w *Worker) startProxy(conn *connection.Conn, req parsedRequest, body []byte, route proxy.Route) {
	select {
	case w.proxySem <- struct{}{}:
	default:
		w.log.Warn().Int("fd", conn.FD).Msg("proxy pool saturated, degrading to bad gateway")
		conn.SendBuffer = proxy.BadGateway()
		conn.Stage = connection.StageWriting
		if err := w.poller.modify(conn.FD, EventWrite); err != nil {
			w.closeConnection(conn.FD)
		}
		return
	}

	fd := conn.FD
	method, path, headerLines := req.method, req.path, req.headerLines
	forwarder := w.forwarder
	go func() {
		defer func() { <-w.proxySem }()
		resp, err := forwarder.Forward(method, path, headerLines, body, route)
		if err != nil {
			resp = proxy.BadGateway()
		}
		w.results <- proxyResult{fd: fd, conn: conn, resp: resp}
		unix.Write(w.wakeW, []byte{0})
	}()
}

// handleWake drains the self-pipe and every completed proxy result now
// waiting behind it, arming each connection's fd for write.
func (w *Worker) handleWake() {
	buf := make([]byte, 64)
	for {
		_, err := unix.Read(w.wakeR, buf)
		if err != nil {
			break
		}
	}

	for {
		select {
		case res := <-w.results:
			w.completeProxy(res)
		default:
			return
		}
	}
}

func (w *Worker) completeProxy(res proxyResult) {
	conn, ok := w.conns[res.fd]
	if !ok || conn != res.conn {
		return // connection closed (client hangup or idle sweep) while upstream was in flight
	}
	conn.SendBuffer = res.resp
	conn.LastActive = time.Now()
	conn.Stage = connection.StageWriting
	if err := w.poller.modify(conn.FD, EventWrite); err != nil {
		w.log.Error().Err(err).Int("fd", conn.FD).Msg("failed to arm for write")
		w.closeConnection(conn.FD)
	}
}

func (w *Worker) handleClientWrite(conn *connection.Conn) {
	if len(conn.SendBuffer) == 0 {
		w.closeConnection(conn.FD)
		return
	}

	n, err := unix.Write(conn.FD, conn.SendBuffer)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		w.log.Error().Err(err).Int("fd", conn.FD).Msg("error during write")
		w.closeConnection(conn.FD)
		return
	}

	conn.SendBuffer = conn.SendBuffer[n:]
	conn.LastActive = time.Now()

	if len(conn.SendBuffer) > 0 {
		return
	}

	if !conn.KeepAlive {
		w.closeConnection(conn.FD)
		return
	}

	conn.Stage = connection.StageReading
	if err := w.poller.modify(conn.FD, EventRead); err != nil {
		w.log.Error().Err(err).Int("fd", conn.FD).Msg("failed to re-arm for read")
		w.closeConnection(conn.FD)
	}
}

func (w *Worker) sweepIdle() {
	now := time.Now()
	for fd, conn := range w.conns {
		if conn.IdleFor(now) > IdleTimeout {
			w.log.Info().Int("fd", fd).Msg("closing idle connection")
			w.closeConnection(fd)
		}
	}
}

func (w *Worker) closeConnection(fd int) {
	if _, ok := w.conns[fd]; !ok {
		return
	}
	if err := w.poller.remove(fd); err != nil {
		w.log.Warn().Err(err).Int("fd", fd).Msg("failed to unregister socket")
	}
	delete(w.conns, fd)
	if err := unix.Close(fd); err != nil {
		w.log.Error().Err(err).Int("fd", fd).Msg("error closing socket")
	}
}

func fdOf(uc *net.UnixConn) (int, error) {
	raw, err := uc.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	ctrlErr := raw.Control(func(f uintptr) { fd = int(f) })
	if ctrlErr != nil {
		return -1, ctrlErr
	}
	return fd, nil
}

func peerAddr(fd int) string {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return ""
	}
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(addr.Addr[:]).String()
	case *unix.SockaddrInet6:
		return net.IP(addr.Addr[:]).String()
	default:
		return ""
	}
}
