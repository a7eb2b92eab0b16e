package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"

	"github.com/quic-go/quic-go"

	"offgrid/internal/protocol"
)

// QUICTransport is the real stream transport: a single QUIC connection per
// paired device, each carrying one bidirectional stream for the mesh
// protocol. QUIC stands in for the reliable paired-device radio link the
// mesh core expects — in place of Bluetooth pairing, paired devices are
// supplied as a static address list at construction, and Enumerate returns
// that list without performing any discovery of its own.
type QUICTransport struct {
	name string
	addr protocol.Address
	tls  *tls.Config
	log  *slog.Logger

	ln *quic.Listener

	mu     sync.Mutex
	paired map[protocol.Address]PairedDevice
	closed bool
}

var _ Transport = (*QUICTransport)(nil)

// QUICConfig configures a QUICTransport.
type QUICConfig struct {
	Name       string
	Addr       protocol.Address
	ListenAddr string // host:port to listen on
	TLSConfig  *tls.Config
	Paired     []PairedDevice
	Logger     *slog.Logger
}

// NewQUICTransport opens a QUIC listener on cfg.ListenAddr and returns a
// Transport bound to cfg.Addr. ALPN is pinned to the mesh ServiceUUID so
// unrelated QUIC clients are rejected at the handshake.
func NewQUICTransport(cfg QUICConfig) (*QUICTransport, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tlsConf := cfg.TLSConfig.Clone()
	tlsConf.NextProtos = []string{ServiceUUID}

	ln, err := quic.ListenAddr(cfg.ListenAddr, tlsConf, &quic.Config{
		MaxIdleTimeout:  DialTimeout * 6,
		KeepAlivePeriod: DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", cfg.ListenAddr, err)
	}

	paired := make(map[protocol.Address]PairedDevice, len(cfg.Paired))
	for _, p := range cfg.Paired {
		paired[p.Addr] = p
	}

	return &QUICTransport{
		name:   cfg.Name,
		addr:   cfg.Addr,
		tls:    tlsConf,
		log:    logger,
		ln:     ln,
		paired: paired,
	}, nil
}

func (q *QUICTransport) LocalInfo() (string, protocol.Address) { return q.name, q.addr }

func (q *QUICTransport) Enumerate(_ context.Context) ([]PairedDevice, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PairedDevice, 0, len(q.paired))
	for _, p := range q.paired {
		out = append(out, p)
	}
	return out, nil
}

// AddPaired registers a device as reachable, e.g. after an out-of-band
// pairing step not handled by this package.
func (q *QUICTransport) AddPaired(d PairedDevice) {
	q.mu.Lock()
	q.paired[d.Addr] = d
	q.mu.Unlock()
}

func (q *QUICTransport) pairedHostPort(addr protocol.Address) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.paired[addr]
	return d.Name, ok // Name carries "host:port" for statically paired devices
}

func (q *QUICTransport) Dial(ctx context.Context, addr protocol.Address) (Stream, error) {
	hostPort, ok := q.pairedHostPort(addr)
	if !ok {
		return nil, fmt.Errorf("transport: %s is not a paired device", addr)
	}

	dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	conn, err := quic.DialAddr(dialCtx, hostPort, q.tls, &quic.Config{
		MaxIdleTimeout:  DialTimeout * 6,
		KeepAlivePeriod: DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	stream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("transport: open stream to %s: %w", addr, err)
	}

	return &quicStream{Stream: stream, conn: conn, remote: addr}, nil
}

func (q *QUICTransport) Accept(ctx context.Context) (Stream, PairedDevice, error) {
	conn, err := q.ln.Accept(ctx)
	if err != nil {
		return nil, PairedDevice{}, fmt.Errorf("transport: accept: %w", err)
	}

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "accept stream failed")
		return nil, PairedDevice{}, fmt.Errorf("transport: accept stream: %w", err)
	}

	remote := protocol.NormalizeAddress(conn.RemoteAddr().String())
	device := PairedDevice{Addr: remote}
	if name, ok := q.pairedHostPort(remote); ok {
		device.Name = name
	}
	q.log.Debug("transport: inbound connection", "remote", remote)

	return &quicStream{Stream: stream, conn: conn, remote: remote}, device, nil
}

func (q *QUICTransport) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	return q.ln.Close()
}

// quicStream adapts a *quic.Stream plus its owning *quic.Conn to the
// Stream interface. Closing the stream leaves the connection open for any
// sibling stream; callers that own the whole connection close it
// separately.
type quicStream struct {
	*quic.Stream
	conn   *quic.Conn
	remote protocol.Address
}

func (s *quicStream) RemoteAddr() protocol.Address { return s.remote }
