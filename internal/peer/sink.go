package peer

import (
	"errors"
	"io"
	"log"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// pliInterval is how often a keyframe is requested on remote video. Without
// periodic PLIs a receiver that joins mid-stream can wait a long time for a
// decodable frame.
const pliInterval = 3 * time.Second

// remoteSink drains one remote track. Draining keeps the jitter buffer
// moving and feeds the per-link stats; for video it also runs the PLI loop.
type remoteSink struct {
	track *webrtc.TrackRemote
	pc    *webrtc.PeerConnection

	packets       atomic.Uint64
	bytes         atomic.Uint64
	lastTimestamp atomic.Uint32

	done chan struct{}
}

func newRemoteSink(pc *webrtc.PeerConnection, track *webrtc.TrackRemote) *remoteSink {
	s := &remoteSink{
		track: track,
		pc:    pc,
		done:  make(chan struct{}),
	}
	go s.readLoop()
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go s.pliLoop()
	}
	return s
}

func (s *remoteSink) readLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		pkt, _, err := s.track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("PEER: remote %s track read ended: %v", s.track.Kind(), err)
			}
			return
		}
		s.observe(pkt)
	}
}

// observe records one received packet in the link stats.
func (s *remoteSink) observe(pkt *rtp.Packet) {
	s.packets.Add(1)
	s.bytes.Add(uint64(len(pkt.Payload)))
	s.lastTimestamp.Store(pkt.Timestamp)
}

func (s *remoteSink) pliLoop() {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			err := s.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(s.track.SSRC())},
			})
			if err != nil {
				return
			}
		}
	}
}

func (s *remoteSink) stats() (packets, bytes uint64) {
	return s.packets.Load(), s.bytes.Load()
}

func (s *remoteSink) stop() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}
