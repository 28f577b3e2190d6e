package driver

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/LoveWonYoung/cantt/tp"
)

// BridgeConfig configures a Bridge endpoint.
type BridgeConfig struct {
	// Address is the "host:port" to listen on (server) or connect to
	// (client).
	Address string
	// IsServer selects listen versus connect.
	IsServer bool
	// TLSConfig is optional; a self-signed certificate is generated when
	// nil.
	TLSConfig *tls.Config
	// WriteTimeout bounds each frame write. Zero means 10 seconds.
	WriteTimeout time.Duration
	// Logger receives bridge diagnostics.
	Logger zerolog.Logger
}

// Bridge tunnels bus frames between two hosts over a QUIC stream and
// presents the remote side as a local tp.Bus. Each frame travels as one
// 16-byte marshaled record. One peer listens, the other connects; either
// side's engine polls the bridge exactly like a hardware adapter.
type Bridge struct {
	cfg BridgeConfig
	log zerolog.Logger

	connMu   sync.RWMutex
	conn     *quic.Conn
	streamMu sync.RWMutex
	stream   *quic.Stream

	listener *quic.Listener

	rxMu sync.Mutex
	rx   []tp.Frame

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBridge builds the endpoint and starts its network side: a server
// begins accepting, a client dials synchronously.
func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("bridge address is required")
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	tlsConfig := cfg.TLSConfig
	if tlsConfig == nil {
		var err error
		tlsConfig, err = generateTLSConfig()
		if err != nil {
			return nil, fmt.Errorf("generate TLS config: %w", err)
		}
	}
	cfg.TLSConfig = tlsConfig

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:    cfg,
		log:    cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.IsServer {
		if err := b.listen(); err != nil {
			cancel()
			return nil, err
		}
	} else {
		if err := b.dial(); err != nil {
			cancel()
			return nil, err
		}
	}
	return b, nil
}

// generateTLSConfig builds a self-signed certificate for peers that do not
// bring their own.
func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{tlsCert},
		NextProtos:         []string{"cantt-bridge"},
		InsecureSkipVerify: true,
	}, nil
}

func (b *Bridge) listen() error {
	udpAddr, err := net.ResolveUDPAddr("udp", b.cfg.Address)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", b.cfg.Address, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", b.cfg.Address, err)
	}
	listener, err := quic.Listen(udpConn, b.cfg.TLSConfig, nil)
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("QUIC listen: %w", err)
	}
	b.listener = listener

	b.wg.Add(1)
	go b.acceptLoop()
	return nil
}

func (b *Bridge) acceptLoop() {
	defer b.wg.Done()
	for {
		conn, err := b.listener.Accept(b.ctx)
		if err != nil {
			return
		}
		b.connMu.Lock()
		if b.conn != nil {
			b.conn.CloseWithError(0, "new connection")
		}
		b.conn = conn
		b.connMu.Unlock()

		stream, err := conn.AcceptStream(b.ctx)
		if err != nil {
			continue
		}
		b.setStream(stream)
		b.log.Info().Str("peer", conn.RemoteAddr().String()).Msg("bridge peer connected")

		b.wg.Add(1)
		go b.readLoop(stream)
	}
}

func (b *Bridge) dial() error {
	udpAddr, err := net.ResolveUDPAddr("udp", "0.0.0.0:0")
	if err != nil {
		return fmt.Errorf("resolve local address: %w", err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("open UDP socket: %w", err)
	}
	remoteAddr, err := net.ResolveUDPAddr("udp", b.cfg.Address)
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("resolve %s: %w", b.cfg.Address, err)
	}
	conn, err := quic.Dial(b.ctx, udpConn, remoteAddr, b.cfg.TLSConfig, nil)
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("connect to %s: %w", b.cfg.Address, err)
	}
	stream, err := conn.OpenStreamSync(b.ctx)
	if err != nil {
		conn.CloseWithError(0, "failed to open stream")
		return fmt.Errorf("open stream: %w", err)
	}

	b.connMu.Lock()
	b.conn = conn
	b.connMu.Unlock()
	b.setStream(stream)

	b.wg.Add(1)
	go b.readLoop(stream)
	return nil
}

func (b *Bridge) setStream(s *quic.Stream) {
	b.streamMu.Lock()
	if b.stream != nil {
		b.stream.Close()
	}
	b.stream = s
	b.streamMu.Unlock()
}

func (b *Bridge) readLoop(stream *quic.Stream) {
	defer b.wg.Done()
	rec := make([]byte, 16)
	for {
		if _, err := io.ReadFull(stream, rec); err != nil {
			if b.ctx.Err() == nil {
				b.log.Debug().Err(err).Msg("bridge read loop ended")
			}
			return
		}
		var f tp.Frame
		if err := f.UnmarshalBinary(rec); err != nil {
			b.log.Warn().Err(err).Msg("dropping undecodable bridge record")
			continue
		}
		b.rxMu.Lock()
		b.rx = append(b.rx, f)
		b.rxMu.Unlock()
	}
}

// Available implements tp.Bus.
func (b *Bridge) Available() bool {
	b.rxMu.Lock()
	defer b.rxMu.Unlock()
	return len(b.rx) > 0
}

// Read implements tp.Bus.
func (b *Bridge) Read(f *tp.Frame) error {
	b.rxMu.Lock()
	defer b.rxMu.Unlock()
	if len(b.rx) == 0 {
		return tp.BusReadError{TransportError: tp.NewTransportError("no frame queued")}
	}
	*f = b.rx[0]
	b.rx = b.rx[1:]
	return nil
}

// Send implements tp.Bus: one frame becomes one 16-byte record on the
// stream.
func (b *Bridge) Send(f *tp.Frame) error {
	b.streamMu.RLock()
	stream := b.stream
	b.streamMu.RUnlock()
	if stream == nil {
		return tp.BusSendError{TransportError: tp.NewTransportError("bridge peer not connected")}
	}
	rec, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	stream.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
	if _, err := stream.Write(rec); err != nil {
		return tp.BusSendError{TransportError: tp.NewTransportError(fmt.Sprintf("bridge write: %v", err))}
	}
	return nil
}

// Addr returns the listen address of a server bridge, nil for a client.
func (b *Bridge) Addr() net.Addr {
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Connected reports whether a peer is attached with an open stream.
func (b *Bridge) Connected() bool {
	b.streamMu.RLock()
	defer b.streamMu.RUnlock()
	return b.stream != nil
}

// Close shuts the bridge down and waits for its goroutines.
func (b *Bridge) Close() error {
	b.cancel()
	if b.listener != nil {
		b.listener.Close()
	}
	b.streamMu.Lock()
	if b.stream != nil {
		b.stream.Close()
		b.stream = nil
	}
	b.streamMu.Unlock()
	b.connMu.Lock()
	if b.conn != nil {
		b.conn.CloseWithError(0, "bridge closed")
		b.conn = nil
	}
	b.connMu.Unlock()
	b.wg.Wait()
	return nil
}
