// Package audio moves PCM audio between local devices and one remote peer
// over UDP for the lifetime of a call.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"voicecall-backend/pkg/constants"
	apperrors "voicecall-backend/pkg/errors"
	"voicecall-backend/pkg/logger"
)

// ChunkSize is the number of PCM bytes carried by one datagram
const ChunkSize = constants.AudioChunkSize

const (
	minRetryBackoff = time.Millisecond
	maxRetryBackoff = 20 * time.Millisecond

	// maxDatagram leaves room for an RTP header and extensions
	maxDatagram = 1500
)

// Stats counts traffic of the current or last stream
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
}

// Option configures a Transport
type Option func(*Transport)

// WithFraming selects raw or RTP framing
func WithFraming(f Framing) Option {
	return func(t *Transport) { t.framing = f }
}

// Transport owns one UDP socket and the two loops streaming a call's audio
type Transport struct {
	device  Device
	framing Framing

	mu       sync.Mutex
	conn     *net.UDPConn
	port     int
	peer     *net.UDPAddr
	capture  io.ReadCloser
	playback io.WriteCloser
	running  atomic.Bool
	wg       sync.WaitGroup

	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
}

// NewTransport creates an unbound transport over device
func NewTransport(device Device, opts ...Option) *Transport {
	t := &Transport{device: device}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Init binds the UDP socket on all interfaces. Port 0 picks an ephemeral
// port. A socket left from an earlier Init is closed first. It returns the
// bound port, or -1 and a TRANSPORT_ERROR.
func (t *Transport) Init(requestedPort int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running.Load() {
		return -1, apperrors.TransportError("Transport is streaming", nil)
	}
	if requestedPort < 0 || requestedPort > 65535 {
		return -1, apperrors.TransportError(fmt.Sprintf("Invalid port %d", requestedPort), nil)
	}
	t.closeSocketLocked()

	lc := net.ListenConfig{Control: voiceSocketControl}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", requestedPort))
	if err != nil {
		logger.Warn("Failed to bind audio socket",
			zap.Int("port", requestedPort),
			zap.Error(err))
		return -1, apperrors.TransportError("Failed to bind UDP socket", err)
	}

	t.conn = pc.(*net.UDPConn)
	t.port = t.conn.LocalAddr().(*net.UDPAddr).Port
	logger.Info("Audio socket bound", zap.Int("port", t.port))
	return t.port, nil
}

// StartStreaming launches the capture and playback loops toward the peer.
// It is a no-op while already streaming.
func (t *Transport) StartStreaming(targetAddress string, targetPort int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running.Load() {
		return nil
	}
	if t.conn == nil {
		return apperrors.TransportError("Transport is not initialized", nil)
	}

	addr, err := netip.ParseAddr(targetAddress)
	if err != nil || !addr.Unmap().Is4() {
		logger.Warn("Invalid audio peer address", zap.String("address", targetAddress))
		return apperrors.TransportError("Invalid address: "+targetAddress, err)
	}
	if targetPort <= 0 || targetPort > 65535 {
		return apperrors.TransportError(fmt.Sprintf("Invalid port %d", targetPort), nil)
	}
	peer := net.UDPAddrFromAddrPort(netip.AddrPortFrom(addr.Unmap(), uint16(targetPort)))

	capture, err := t.device.Capture()
	if err != nil {
		return apperrors.TransportError("Failed to open capture device", err)
	}
	playback, err := t.device.Playback()
	if err != nil {
		capture.Close()
		return apperrors.TransportError("Failed to open playback device", err)
	}

	t.peer = peer
	t.capture = capture
	t.playback = playback
	t.packetsSent.Store(0)
	t.packetsReceived.Store(0)
	t.bytesSent.Store(0)
	t.bytesReceived.Store(0)
	t.running.Store(true)

	t.wg.Add(2)
	go t.captureLoop(t.conn, capture, peer)
	go t.playbackLoop(t.conn, playback)

	logger.Info("Audio streaming started",
		zap.String("peer", peer.String()),
		zap.Int("local_port", t.port),
		zap.String("framing", t.framing.String()))
	return nil
}

// Stop ends streaming and returns once both loops have exited. The socket
// is released, so the next call needs a fresh Init. It is a no-op when not
// streaming.
func (t *Transport) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running.Load() {
		return
	}
	t.running.Store(false)

	// closing the socket unblocks the receive loop
	t.closeSocketLocked()
	// closing capture unblocks the device read
	if t.capture != nil {
		t.capture.Close()
	}
	t.wg.Wait()

	if t.playback != nil {
		t.playback.Close()
	}
	t.capture = nil
	t.playback = nil

	logger.Info("Audio streaming stopped",
		zap.Uint64("packets_sent", t.packetsSent.Load()),
		zap.Uint64("packets_received", t.packetsReceived.Load()))
}

// Close stops streaming and releases a socket bound by Init
func (t *Transport) Close() {
	t.Stop()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeSocketLocked()
}

func (t *Transport) closeSocketLocked() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.port = 0
}

// IsActive reports whether audio is streaming
func (t *Transport) IsActive() bool {
	return t.running.Load()
}

// LocalPort returns the bound port, or 0 when unbound
func (t *Transport) LocalPort() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port
}

// Stats returns the traffic counters
func (t *Transport) Stats() Stats {
	return Stats{
		PacketsSent:     t.packetsSent.Load(),
		PacketsReceived: t.packetsReceived.Load(),
		BytesSent:       t.bytesSent.Load(),
		BytesReceived:   t.bytesReceived.Load(),
	}
}

func (t *Transport) captureLoop(conn *net.UDPConn, capture io.Reader, peer *net.UDPAddr) {
	defer t.wg.Done()

	var pkt *packetizer
	if t.framing == FramingRTP {
		pkt = newPacketizer()
	}

	buf := make([]byte, ChunkSize)
	backoff := minRetryBackoff
	for t.running.Load() {
		n, err := io.ReadFull(capture, buf)
		if n == 0 {
			if !t.running.Load() {
				return
			}
			// device hiccup or EOF, retry shortly
			time.Sleep(backoff)
			backoff = min(backoff*2, maxRetryBackoff)
			continue
		}
		backoff = minRetryBackoff

		datagram := buf[:n]
		if pkt != nil {
			if datagram, err = pkt.wrap(datagram); err != nil {
				logger.Debug("Failed to frame audio chunk", zap.Error(err))
				continue
			}
		}

		if _, err := conn.WriteToUDP(datagram, peer); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Debug("Failed to send audio datagram", zap.Error(err))
			continue
		}
		t.packetsSent.Add(1)
		t.bytesSent.Add(uint64(n))
	}
}

func (t *Transport) playbackLoop(conn *net.UDPConn, playback io.Writer) {
	defer t.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !t.running.Load() {
				return
			}
			continue
		}

		payload := buf[:n]
		if t.framing == FramingRTP {
			if payload, err = unwrap(payload); err != nil {
				logger.Debug("Dropping malformed RTP datagram", zap.Error(err))
				continue
			}
		}
		if len(payload) == 0 {
			continue
		}

		t.packetsReceived.Add(1)
		t.bytesReceived.Add(uint64(len(payload)))
		if _, err := playback.Write(payload); err != nil {
			logger.Debug("Failed to write audio to playback device", zap.Error(err))
		}
	}
}
