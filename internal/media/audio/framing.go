package audio

import (
	"fmt"
	"math/rand/v2"

	"github.com/pion/rtp"
)

// Framing selects how PCM chunks are carried in datagrams
type Framing int

const (
	// FramingRaw sends each chunk as the whole datagram
	FramingRaw Framing = iota
	// FramingRTP wraps each chunk in an RTP header
	FramingRTP
)

// rtpPayloadType is the dynamic payload type used for L16 mono
const rtpPayloadType = 96

func (f Framing) String() string {
	if f == FramingRTP {
		return "rtp"
	}
	return "raw"
}

// ParseFraming maps "raw" and "rtp" to a Framing
func ParseFraming(s string) (Framing, error) {
	switch s {
	case "", "raw":
		return FramingRaw, nil
	case "rtp":
		return FramingRTP, nil
	default:
		return FramingRaw, fmt.Errorf("unknown framing %q", s)
	}
}

// packetizer stamps outgoing chunks with RTP sequence and timestamp state
type packetizer struct {
	ssrc      uint32
	seq       uint16
	timestamp uint32
}

func newPacketizer() *packetizer {
	return &packetizer{
		ssrc:      rand.Uint32(),
		seq:       uint16(rand.Uint32()),
		timestamp: rand.Uint32(),
	}
}

func (p *packetizer) wrap(payload []byte) ([]byte, error) {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    rtpPayloadType,
			SequenceNumber: p.seq,
			Timestamp:      p.timestamp,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}
	data, err := pkt.Marshal()
	if err != nil {
		return nil, err
	}

	p.seq++
	// two bytes per 16-bit mono sample
	p.timestamp += uint32(len(payload) / 2)
	return data, nil
}

func unwrap(datagram []byte) ([]byte, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(datagram); err != nil {
		return nil, err
	}
	return pkt.Payload, nil
}
