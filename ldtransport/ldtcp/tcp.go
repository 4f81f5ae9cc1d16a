// Package ldtcp is the TCP backend for [ldtransport.Transport],
// optionally wrapped in TLS.
package ldtcp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/march-github/LogDevice/ldcert"
	"github.com/march-github/LogDevice/ldloop"
	"github.com/march-github/LogDevice/ldtransport"
)

// Config is the configuration for dialing a [Transport].
type Config struct {
	// Address to dial, in the form accepted by [net.Dial].
	Addr string

	// If nil, the transport is plaintext.
	TLS ldcert.Provider

	// Name to verify the server certificate against.
	// If empty, the host part of Addr is used.
	ServerName string

	// Size of each read from the socket.
	// If zero, [ldtransport.DefaultReadBufferSize] is used.
	ReadBufferSize int

	// TCP keepalive period; zero uses the operating system default.
	KeepAlive time.Duration
}

// Transport is a TCP [ldtransport.Transport].
type Transport struct {
	log *slog.Logger
	ex  ldloop.Executor

	cfg Config

	mu     sync.Mutex
	conn   net.Conn
	pump   *ldtransport.Pump
	cancel context.CancelFunc
	closed bool

	// Set once the peer is known.
	chain []*x509.Certificate
}

var _ ldtransport.Transport = (*Transport)(nil)

// New returns an unconnected transport that will dial cfg.Addr.
func New(log *slog.Logger, ex ldloop.Executor, cfg Config) *Transport {
	return &Transport{
		log: log,
		ex:  ex,
		cfg: cfg,
	}
}

// FromConn wraps an accepted connection.
// If conn is a [*tls.Conn], its handshake completes
// on the first read or write.
func FromConn(
	log *slog.Logger, ex ldloop.Executor, conn net.Conn, tlsProvider ldcert.Provider, readBufSize int,
) *Transport {
	return &Transport{
		log: log,
		ex:  ex,
		cfg: Config{
			Addr:           conn.RemoteAddr().String(),
			TLS:            tlsProvider,
			ReadBufferSize: readBufSize,
		},
		conn: conn,
	}
}

func (t *Transport) Connect(ctx context.Context, h ldtransport.Handler) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if t.conn != nil || t.cancel != nil {
		t.mu.Unlock()
		panic(errors.New("BUG: Connect called on a transport that is already connected"))
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.pump = ldtransport.NewPump(t.log, t.ex, h, t.cfg.ReadBufferSize)
	t.mu.Unlock()

	go t.dial(ctx, h)
}

func (t *Transport) dial(ctx context.Context, h ldtransport.Handler) {
	nd := &net.Dialer{KeepAlive: t.cfg.KeepAlive}

	var (
		conn net.Conn
		err  error
	)
	if t.cfg.TLS == nil {
		conn, err = nd.DialContext(ctx, "tcp", t.cfg.Addr)
	} else {
		td := &tls.Dialer{
			NetDialer: nd,
			Config:    t.cfg.TLS.ClientConfig(t.serverName()),
		}
		conn, err = td.DialContext(ctx, "tcp", t.cfg.Addr)
	}

	if err != nil {
		t.ex.Post(func() {
			if !t.isClosed() {
				h(ldtransport.Failed{Err: fmt.Errorf("failed to dial %s: %w", t.cfg.Addr, err)})
			}
		})
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return
	}
	t.conn = conn
	t.lockedCaptureChain()
	pump := t.pump
	t.mu.Unlock()

	t.watchCA(ctx, h)

	t.ex.Post(func() {
		if t.isClosed() {
			return
		}
		h(ldtransport.Connected{})
		// Start after the handler has seen Connected,
		// so data events can never precede it.
		pump.Start(conn)
	})
}

func (t *Transport) Attach(h ldtransport.Handler) {
	t.mu.Lock()
	if t.conn == nil {
		t.mu.Unlock()
		panic(errors.New("BUG: Attach called on a transport without a connection"))
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.pump = ldtransport.NewPump(t.log, t.ex, h, t.cfg.ReadBufferSize)
	pump := t.pump
	conn := t.conn
	t.mu.Unlock()

	if tc, ok := conn.(*tls.Conn); ok {
		// The peer chain is needed before the first message is handled,
		// so finish the handshake up front.
		go func() {
			if err := tc.HandshakeContext(ctx); err != nil {
				t.ex.Post(func() {
					if !t.isClosed() {
						h(ldtransport.Failed{Err: fmt.Errorf("TLS handshake failed: %w", err)})
					}
				})
				return
			}
			t.mu.Lock()
			t.lockedCaptureChain()
			t.mu.Unlock()
			t.watchCA(ctx, h)
			pump.Start(conn)
		}()
		return
	}

	pump.Start(conn)
}

func (t *Transport) lockedCaptureChain() {
	tc, ok := t.conn.(*tls.Conn)
	if !ok {
		return
	}
	st := tc.ConnectionState()
	if len(st.VerifiedChains) > 0 {
		t.chain = st.VerifiedChains[0]
	} else {
		t.chain = st.PeerCertificates
	}
}

// watchCA closes the transport if the peer's CA stops being trusted.
func (t *Transport) watchCA(ctx context.Context, h ldtransport.Handler) {
	if t.cfg.TLS == nil {
		return
	}
	t.mu.Lock()
	chain, err := ldcert.NewChainFromCerts(t.chain)
	t.mu.Unlock()
	if err != nil {
		return
	}

	removed := t.cfg.TLS.WatchPeer(chain)
	if removed == nil {
		return
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-removed:
			t.ex.Post(func() {
				if !t.isClosed() {
					h(ldtransport.Failed{Err: ldcert.ErrCertRemoved})
				}
			})
		}
	}()
}

func (t *Transport) serverName() string {
	if t.cfg.ServerName != "" {
		return t.cfg.ServerName
	}
	host, _, err := net.SplitHostPort(t.cfg.Addr)
	if err != nil {
		return t.cfg.Addr
	}
	return host
}

func (t *Transport) Write(bufs [][]byte) {
	t.mu.Lock()
	pump := t.pump
	t.mu.Unlock()
	if pump == nil {
		panic(errors.New("BUG: Write called before Connect or Attach"))
	}
	pump.Write(bufs)
}

func (t *Transport) SetReadEnabled(enabled bool) {
	t.mu.Lock()
	pump := t.pump
	t.mu.Unlock()
	if pump != nil {
		pump.SetReadEnabled(enabled)
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel, pump, conn := t.cancel, t.pump, t.conn
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pump != nil {
		// Closes conn if the pump was started.
		_ = pump.Close()
	}
	if conn != nil {
		return ignoreClosed(conn.Close())
	}
	return nil
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) PeerCertificates() []*x509.Certificate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chain
}

func (t *Transport) Encrypted() bool {
	return t.cfg.TLS != nil
}

func (t *Transport) CongestionInfo() (ldtransport.CongestionInfo, bool) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if tc, ok := conn.(*tls.Conn); ok {
		conn = tc.NetConn()
	}
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return ldtransport.CongestionInfo{}, false
	}
	return congestionInfo(tcp)
}

func (t *Transport) RemoteAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return t.conn.RemoteAddr()
	}
	addr, err := net.ResolveTCPAddr("tcp", t.cfg.Addr)
	if err != nil {
		return nil
	}
	return addr
}

func (t *Transport) Kind() string {
	if t.cfg.TLS != nil {
		return "tls"
	}
	return "tcp"
}
