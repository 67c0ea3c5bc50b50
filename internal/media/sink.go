package media

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const DefaultPLIInterval = 3 * time.Second

// RTCPWriter sends feedback for a received track.
type RTCPWriter interface {
	WriteRTCP(pkts []rtcp.Packet) error
}

type SinkConfig struct {
	// ForwardAddr, if set, receives every remote RTP packet over UDP.
	ForwardAddr string
	// PLIInterval controls how often a keyframe is requested on received
	// video tracks. Zero uses DefaultPLIInterval; negative disables it.
	PLIInterval time.Duration
	Logger      *slog.Logger
}

// Sink drains remote tracks.
type Sink struct {
	cfg  SinkConfig
	log  *slog.Logger
	conn net.Conn

	packets atomic.Uint64

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

func NewSink(cfg SinkConfig) (*Sink, error) {
	if cfg.PLIInterval == 0 {
		cfg.PLIInterval = DefaultPLIInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Sink{cfg: cfg, log: cfg.Logger, done: make(chan struct{})}
	if cfg.ForwardAddr != "" {
		conn, err := net.Dial("udp", cfg.ForwardAddr)
		if err != nil {
			return nil, fmt.Errorf("dial rtp forward %s: %w", cfg.ForwardAddr, err)
		}
		s.conn = conn
	}
	return s, nil
}

// Consume starts draining track in the background. w is used for keyframe
// requests on video tracks.
func (s *Sink) Consume(track *webrtc.TrackRemote, w RTCPWriter) {
	if track.Kind() == webrtc.RTPCodecTypeVideo && w != nil {
		s.startPLI(w, uint32(track.SSRC()))
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					s.log.Debug("remote track ended", "kind", track.Kind().String(), "err", err)
				}
				return
			}
			s.forward(pkt)
		}
	}()
}

// Packets reports RTP packets received across all consumed tracks.
func (s *Sink) Packets() uint64 { return s.packets.Load() }

// Close stops PLI loops and the forwarder. Track readers exit when the
// engine closes.
func (s *Sink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			err = s.conn.Close()
		}
	})
	return err
}

func (s *Sink) forward(pkt *rtp.Packet) {
	s.packets.Add(1)
	if s.conn == nil {
		return
	}
	select {
	case <-s.done:
		return
	default:
	}
	b, err := pkt.Marshal()
	if err != nil {
		return
	}
	if _, err := s.conn.Write(b); err != nil {
		s.log.Debug("rtp forward failed", "err", err)
	}
}

func (s *Sink) startPLI(w RTCPWriter, ssrc uint32) {
	if s.cfg.PLIInterval < 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(s.cfg.PLIInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				if err := w.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
					if errors.Is(err, io.ErrClosedPipe) {
						return
					}
					s.log.Debug("send pli failed", "err", err)
				}
			}
		}
	}()
}
