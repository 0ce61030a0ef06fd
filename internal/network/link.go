package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/yodablocks/bitchat/internal/peerid"
)

const (
	readBufSize  = 4096
	writeTimeout = 5 * time.Second
)

var (
	ErrClosed       = errors.New("network: link closed")
	ErrNotConnected = errors.New("network: peer not connected")
	ErrSelfDial     = errors.New("network: dialed self")
	ErrTooManyPeers = errors.New("network: peer limit reached")
)

// Handler receives link events. Receive is called from one goroutine per
// peer with a buffer the handler may keep.
type Handler interface {
	PeerReachable(id peerid.PeerID, addr string)
	PeerUnreachable(id peerid.PeerID)
	Receive(id peerid.PeerID, data []byte)
}

type Options struct {
	Local         peerid.PeerID
	Handler       Handler
	Logger        zerolog.Logger
	MaxConnsPerIP int
	MaxPeers      int
}

// Link carries raw frame bytes between directly connected peers over QUIC.
// Every peer gets one bidirectional stream; the bytes on it are an unframed
// byte stream the caller reassembles.
type Link struct {
	local   peerid.PeerID
	routing [peerid.RoutingLen]byte
	handler Handler
	log     zerolog.Logger
	limiter *ipLimiter
	max     int

	serverTLS *quicTLS
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	listener *quic.Listener
	peers    map[peerid.PeerID]*peerConn
}

type peerConn struct {
	id       peerid.PeerID
	addr     string
	outbound bool
	conn     *quic.Conn
	stream   *quic.Stream
	release  func()

	wmu       sync.Mutex
	closeOnce sync.Once
}

func (pc *peerConn) close(reason string) {
	pc.closeOnce.Do(func() {
		_ = pc.conn.CloseWithError(0, reason)
		if pc.release != nil {
			pc.release()
		}
	})
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
}

func NewLink(opts Options) (*Link, error) {
	routing, ok := opts.Local.Routing()
	if !ok {
		return nil, fmt.Errorf("network: local id %s has no routing form", opts.Local)
	}
	if opts.Handler == nil {
		return nil, errors.New("network: handler required")
	}
	tlsConf, err := newQuicTLS()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Link{
		local:     opts.Local.Short(),
		routing:   routing,
		handler:   opts.Handler,
		log:       opts.Logger,
		limiter:   newIPLimiter(opts.MaxConnsPerIP),
		max:       opts.MaxPeers,
		serverTLS: tlsConf,
		ctx:       ctx,
		cancel:    cancel,
		peers:     make(map[peerid.PeerID]*peerConn),
	}, nil
}

// Listen starts accepting peers on addr and returns the bound address.
func (l *Link) Listen(addr string) (net.Addr, error) {
	ln, err := quic.ListenAddr(addr, l.serverTLS.server, quicConfig())
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = ln.Close()
		return nil, ErrClosed
	}
	if l.listener != nil {
		l.mu.Unlock()
		_ = ln.Close()
		return nil, errors.New("network: already listening")
	}
	l.listener = ln
	l.wg.Add(1)
	l.mu.Unlock()
	l.log.Info().Str("addr", ln.Addr().String()).Msg("quic listen ready")
	go l.acceptLoop(ln)
	return ln.Addr(), nil
}

func (l *Link) acceptLoop(ln *quic.Listener) {
	defer l.wg.Done()
	for {
		conn, err := ln.Accept(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil {
				l.log.Warn().Err(err).Msg("quic accept stopped")
			}
			return
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			if err := l.serveInbound(conn); err != nil {
				l.log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("inbound rejected")
			}
		}()
	}
}

func (l *Link) serveInbound(conn *quic.Conn) error {
	remote := conn.RemoteAddr().String()
	release, ok := l.limiter.acquire(remote)
	if !ok {
		_ = conn.CloseWithError(1, "busy")
		return fmt.Errorf("per-ip connection cap for %s", hostOf(remote))
	}
	pc := &peerConn{
		addr:    remote,
		conn:    conn,
		release: release,
	}
	ctx, cancel := context.WithTimeout(l.ctx, prefaceTimeout)
	defer cancel()
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		pc.close("no stream")
		return err
	}
	pc.stream = stream
	id, err := readPreface(stream)
	if err != nil {
		pc.close("bad preface")
		return err
	}
	if err := l.writePreface(pc); err != nil {
		pc.close("preface write")
		return err
	}
	if id == l.local {
		// the dialer drops the connection once it sees its own id
		_ = stream.SetReadDeadline(time.Now().Add(prefaceTimeout))
		_, _ = io.Copy(io.Discard, stream)
		pc.close("self")
		return ErrSelfDial
	}
	pc.id = id
	return l.attach(pc)
}

// Dial connects to addr, retrying with backoff, and returns the remote
// routing id.
func (l *Link) Dial(ctx context.Context, addr string) (peerid.PeerID, error) {
	failures := 0
	for {
		id, err := l.dialOnce(ctx, addr)
		if err == nil || errors.Is(err, ErrSelfDial) || errors.Is(err, ErrClosed) {
			return id, err
		}
		failures++
		if !backoffRetry(ctx, failures) {
			return peerid.PeerID{}, err
		}
		l.log.Debug().Err(err).Str("addr", addr).Int("attempt", failures).Msg("dial retry")
	}
}

func (l *Link) dialOnce(ctx context.Context, addr string) (peerid.PeerID, error) {
	if l.isClosed() {
		return peerid.PeerID{}, ErrClosed
	}
	dctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	conn, err := quic.DialAddr(dctx, addr, l.serverTLS.client, quicConfig())
	if err != nil {
		return peerid.PeerID{}, err
	}
	pc := &peerConn{addr: addr, outbound: true, conn: conn}
	stream, err := conn.OpenStreamSync(dctx)
	if err != nil {
		pc.close("open stream")
		return peerid.PeerID{}, err
	}
	pc.stream = stream
	if err := l.writePreface(pc); err != nil {
		pc.close("preface write")
		return peerid.PeerID{}, err
	}
	id, err := readPreface(stream)
	if err != nil {
		pc.close("bad preface")
		return peerid.PeerID{}, err
	}
	if id == l.local {
		pc.close("self")
		return id, ErrSelfDial
	}
	pc.id = id
	if err := l.attach(pc); err != nil {
		if l.Connected(id) {
			return id, nil
		}
		return id, err
	}
	return id, nil
}

func (l *Link) writePreface(pc *peerConn) error {
	pc.wmu.Lock()
	defer pc.wmu.Unlock()
	_ = pc.stream.SetWriteDeadline(time.Now().Add(prefaceTimeout))
	_, err := pc.stream.Write(encodePreface(l.routing))
	_ = pc.stream.SetWriteDeadline(time.Time{})
	return err
}

func readPreface(s *quic.Stream) (peerid.PeerID, error) {
	buf := make([]byte, prefaceLen)
	_ = s.SetReadDeadline(time.Now().Add(prefaceTimeout))
	if _, err := io.ReadFull(s, buf); err != nil {
		return peerid.PeerID{}, err
	}
	_ = s.SetReadDeadline(time.Time{})
	return decodePreface(buf)
}

// preferConn decides which of two connections to the same peer survives.
// Both ends keep the connection dialed by the smaller id; a newer connection
// in the same direction replaces a stale one.
func preferConn(local peerid.PeerID, cur, next *peerConn) bool {
	if cur.outbound == next.outbound {
		return true
	}
	if next.outbound {
		return local.Less(next.id)
	}
	return next.id.Less(local)
}

func (l *Link) attach(pc *peerConn) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		pc.close("closed")
		return ErrClosed
	}
	cur, dup := l.peers[pc.id]
	if dup && !preferConn(l.local, cur, pc) {
		l.mu.Unlock()
		pc.close("duplicate")
		return fmt.Errorf("network: duplicate connection to %s", pc.id)
	}
	if !dup && l.max > 0 && len(l.peers) >= l.max {
		l.mu.Unlock()
		pc.close("full")
		return ErrTooManyPeers
	}
	l.peers[pc.id] = pc
	l.wg.Add(1)
	l.mu.Unlock()

	if dup {
		cur.close("duplicate")
		l.log.Debug().Str("peer", pc.id.String()).Bool("outbound", pc.outbound).Msg("replaced duplicate connection")
	} else {
		l.log.Info().Str("peer", pc.id.String()).Str("addr", pc.addr).Bool("outbound", pc.outbound).Msg("peer connected")
		l.handler.PeerReachable(pc.id, pc.addr)
	}
	go l.readLoop(pc)
	return nil
}

func (l *Link) readLoop(pc *peerConn) {
	defer l.wg.Done()
	buf := make([]byte, readBufSize)
	for {
		n, err := pc.stream.Read(buf)
		if n > 0 {
			l.handler.Receive(pc.id, append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			break
		}
	}
	l.detach(pc)
}

func (l *Link) detach(pc *peerConn) {
	l.mu.Lock()
	current := l.peers[pc.id] == pc
	if current {
		delete(l.peers, pc.id)
	}
	closed := l.closed
	l.mu.Unlock()
	pc.close("read closed")
	if current && !closed {
		l.log.Info().Str("peer", pc.id.String()).Msg("peer disconnected")
		l.handler.PeerUnreachable(pc.id)
	}
}

// Send writes data to the peer's stream.
func (l *Link) Send(id peerid.PeerID, data []byte) error {
	l.mu.Lock()
	pc, ok := l.peers[id.Short()]
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	pc.wmu.Lock()
	_ = pc.stream.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := pc.stream.Write(data)
	pc.wmu.Unlock()
	if err != nil {
		pc.close("write failed")
		return err
	}
	return nil
}

// Disconnect drops the connection to id, if any.
func (l *Link) Disconnect(id peerid.PeerID) {
	l.mu.Lock()
	pc, ok := l.peers[id.Short()]
	l.mu.Unlock()
	if ok {
		pc.close("disconnect")
	}
}

func (l *Link) Connected(id peerid.PeerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.peers[id.Short()]
	return ok
}

// Peers returns connected peer ids in sorted order.
func (l *Link) Peers() []peerid.PeerID {
	l.mu.Lock()
	out := make([]peerid.PeerID, 0, len(l.peers))
	for id := range l.peers {
		out = append(out, id)
	}
	l.mu.Unlock()
	slices.SortFunc(out, peerid.PeerID.Compare)
	return out
}

func (l *Link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close stops the listener, drops every connection and waits for the
// reader goroutines to exit.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	ln := l.listener
	conns := make([]*peerConn, 0, len(l.peers))
	for _, pc := range l.peers {
		conns = append(conns, pc)
	}
	l.mu.Unlock()
	l.cancel()
	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, pc := range conns {
		pc.close("shutdown")
	}
	l.wg.Wait()
	return err
}
