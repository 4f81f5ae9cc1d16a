package ldquic

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/march-github/LogDevice/ldcert"
	"github.com/march-github/LogDevice/ldloop"
	"github.com/march-github/LogDevice/ldtransport"
	"github.com/quic-go/quic-go"
)

// Config is the configuration for dialing a [Transport].
type Config struct {
	Addr net.Addr

	// Name to verify the server certificate against.
	ServerName string

	Dialer Dialer

	// If zero, [ldtransport.DefaultReadBufferSize] is used.
	ReadBufferSize int
}

// Transport is a QUIC [ldtransport.Transport].
type Transport struct {
	log *slog.Logger
	ex  ldloop.Executor

	cfg Config

	tlsProvider ldcert.Provider

	mu     sync.Mutex
	qc     Conn
	chain  ldcert.Chain
	pump   *ldtransport.Pump
	cancel context.CancelFunc
	closed bool
}

var _ ldtransport.Transport = (*Transport)(nil)

// New returns an unconnected transport that will dial cfg.Addr.
func New(log *slog.Logger, ex ldloop.Executor, cfg Config) *Transport {
	return &Transport{
		log:         log,
		ex:          ex,
		cfg:         cfg,
		tlsProvider: cfg.Dialer.TLS,
	}
}

// FromConn wraps an accepted QUIC connection.
// The stream is accepted when [*Transport.Attach] is called.
func FromConn(
	log *slog.Logger, ex ldloop.Executor, qc Conn, tlsProvider ldcert.Provider, readBufSize int,
) (*Transport, error) {
	chain, err := ldcert.NewChainFromTLSConnectionState(qc.TLSConnectionState())
	if err != nil {
		return nil, fmt.Errorf("failed to build peer chain: %w", err)
	}

	return &Transport{
		log: log,
		ex:  ex,
		cfg: Config{
			Addr:           qc.RemoteAddr(),
			ReadBufferSize: readBufSize,
		},
		tlsProvider: tlsProvider,
		qc:          qc,
		chain:       chain,
	}, nil
}

func (t *Transport) Connect(ctx context.Context, h ldtransport.Handler) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if t.qc != nil || t.cancel != nil {
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
	fail := func(err error) {
		t.ex.Post(func() {
			if !t.isClosed() {
				h(ldtransport.Failed{Err: err})
			}
		})
	}

	res, err := t.cfg.Dialer.Dial(ctx, t.cfg.Addr, t.cfg.ServerName)
	if err != nil {
		fail(err)
		return
	}

	s, err := res.Conn.OpenStreamSync(ctx)
	if err != nil {
		_ = res.Conn.CloseWithError(ClosedByApplication, "")
		fail(fmt.Errorf("failed to open stream to %s: %w", t.cfg.Addr, err))
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = res.Conn.CloseWithError(ClosedByApplication, "")
		return
	}
	t.qc = res.Conn
	t.chain = res.Chain
	pump := t.pump
	t.mu.Unlock()

	t.watchCA(ctx, res.NotifyCARemoved, h)

	t.ex.Post(func() {
		if t.isClosed() {
			return
		}
		h(ldtransport.Connected{})
		pump.Start(stream{s: s})
	})
}

func (t *Transport) Attach(h ldtransport.Handler) {
	t.mu.Lock()
	if t.qc == nil {
		t.mu.Unlock()
		panic(errors.New("BUG: Attach called on a transport without a connection"))
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.pump = ldtransport.NewPump(t.log, t.ex, h, t.cfg.ReadBufferSize)
	pump, qc, chain := t.pump, t.qc, t.chain
	t.mu.Unlock()

	if t.tlsProvider != nil {
		t.watchCA(ctx, t.tlsProvider.WatchPeer(chain), h)
	}

	go func() {
		s, err := qc.AcceptStream(ctx)
		if err != nil {
			t.ex.Post(func() {
				if !t.isClosed() {
					h(ldtransport.Failed{Err: fmt.Errorf("failed to accept stream: %w", err)})
				}
			})
			return
		}
		pump.Start(stream{s: s})
	}()
}

func (t *Transport) watchCA(ctx context.Context, removed <-chan struct{}, h ldtransport.Handler) {
	if removed == nil {
		return
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-removed:
			t.mu.Lock()
			qc := t.qc
			t.mu.Unlock()
			if qc != nil {
				_ = qc.CloseWithError(CARemoved, CARemovedMessage)
			}
			t.ex.Post(func() {
				if !t.isClosed() {
					h(ldtransport.Failed{Err: ldcert.ErrCertRemoved})
				}
			})
		}
	}()
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
	cancel, pump, qc := t.cancel, t.pump, t.qc
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pump != nil {
		_ = pump.Close()
	}
	if qc != nil {
		return qc.CloseWithError(ClosedByApplication, "")
	}
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) PeerCertificates() []*x509.Certificate {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.chain.Leaf == nil {
		return nil
	}
	out := make([]*x509.Certificate, 0, t.chain.Len())
	for c := range t.chain.All() {
		out = append(out, c)
	}
	return out
}

// Encrypted is always true: QUIC has no plaintext mode.
func (t *Transport) Encrypted() bool { return true }

// CongestionInfo is not available from QUIC,
// so slow connections are attributed to the network.
func (t *Transport) CongestionInfo() (ldtransport.CongestionInfo, bool) {
	return ldtransport.CongestionInfo{}, false
}

func (t *Transport) RemoteAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.qc != nil {
		return t.qc.RemoteAddr()
	}
	return t.cfg.Addr
}

func (t *Transport) Kind() string { return "quic" }

// stream adapts a [Stream] to the io.ReadWriteCloser the pump expects.
type stream struct {
	s Stream
}

// Read reports an orderly close by the peer as [io.EOF],
// matching what a TCP peer closing its socket looks like.
func (st stream) Read(p []byte) (int, error) {
	n, err := st.s.Read(p)
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.Remote &&
		appErr.ErrorCode == quic.ApplicationErrorCode(ClosedByApplication) {
		err = io.EOF
	}
	return n, err
}

func (st stream) Write(p []byte) (int, error) { return st.s.Write(p) }

// Close tears down both directions.
func (st stream) Close() error {
	st.s.CancelRead(0)
	return st.s.Close()
}
