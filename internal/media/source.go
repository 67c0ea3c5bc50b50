// Package media provides the local tracks a peer sends and the sink that
// consumes the tracks it receives.
//
// There is no capture device support. Local tracks are fed from RTP sent to
// UDP ingest sockets (for example by a gst-launch or ffmpeg pipeline), and
// remote tracks can be forwarded as RTP to a UDP address for a player.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// maxRTPPacketBytes bounds a single ingest datagram.
const maxRTPPacketBytes = 1500

var ErrNoTracks = errors.New("no media tracks requested")

// AcquisitionError reports a local track that could not be set up.
type AcquisitionError struct {
	Kind Kind
	Err  error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquire %s: %v", e.Kind, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

type SourceConfig struct {
	Audio bool
	Video bool

	// StreamID groups the tracks for the remote side. Defaults to a random
	// UUID.
	StreamID string

	// AudioRTPAddr/VideoRTPAddr are UDP listen addresses for RTP ingest. An
	// empty address leaves the track silent.
	AudioRTPAddr string
	VideoRTPAddr string

	Logger *slog.Logger
}

// Source owns the local tracks and their ingest sockets.
type Source struct {
	log    *slog.Logger
	tracks []*webrtc.TrackLocalStaticRTP
	conns  map[Kind]*net.UDPConn
	counts map[Kind]*atomic.Uint64

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	release sync.Once
}

// Acquire creates an Opus audio track and/or a VP8 video track and starts
// RTP ingest for each configured address. Pumps stop when ctx is done or the
// source is released.
func Acquire(ctx context.Context, cfg SourceConfig) (*Source, error) {
	if !cfg.Audio && !cfg.Video {
		return nil, &AcquisitionError{Kind: "any", Err: ErrNoTracks}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.StreamID == "" {
		id, err := uuid.NewRandom()
		if err != nil {
			return nil, &AcquisitionError{Kind: "any", Err: err}
		}
		cfg.StreamID = id.String()
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	s := &Source{
		log:    cfg.Logger,
		conns:  make(map[Kind]*net.UDPConn),
		counts: make(map[Kind]*atomic.Uint64),
		cancel: cancel,
	}

	type wanted struct {
		kind Kind
		on   bool
		cap  webrtc.RTPCodecCapability
		addr string
	}
	for _, w := range []wanted{
		{KindAudio, cfg.Audio, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, cfg.AudioRTPAddr},
		{KindVideo, cfg.Video, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, cfg.VideoRTPAddr},
	} {
		if !w.on {
			continue
		}
		track, err := webrtc.NewTrackLocalStaticRTP(w.cap, string(w.kind), cfg.StreamID)
		if err != nil {
			s.Release()
			return nil, &AcquisitionError{Kind: w.kind, Err: err}
		}
		s.tracks = append(s.tracks, track)
		s.counts[w.kind] = &atomic.Uint64{}

		if w.addr == "" {
			continue
		}
		conn, err := listenUDP(w.addr)
		if err != nil {
			s.Release()
			return nil, &AcquisitionError{Kind: w.kind, Err: err}
		}
		s.conns[w.kind] = conn
		s.log.Info("rtp ingest listening", "kind", w.kind, "addr", conn.LocalAddr().String())

		s.wg.Add(1)
		go s.pump(pumpCtx, w.kind, conn, track)
	}
	return s, nil
}

func listenUDP(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return conn, nil
}

// Tracks returns the local tracks in a form the engine accepts.
func (s *Source) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

// IngestAddr returns the bound ingest address for kind, or nil if none.
func (s *Source) IngestAddr(kind Kind) net.Addr {
	if conn, ok := s.conns[kind]; ok {
		return conn.LocalAddr()
	}
	return nil
}

// Ingested reports RTP packets written to the kind's track so far.
func (s *Source) Ingested(kind Kind) uint64 {
	if c, ok := s.counts[kind]; ok {
		return c.Load()
	}
	return 0
}

// Release stops ingest and waits for the pumps to exit. It is idempotent.
func (s *Source) Release() {
	s.release.Do(func() {
		s.cancel()
		for _, conn := range s.conns {
			_ = conn.Close()
		}
		s.wg.Wait()
	})
}

func (s *Source) pump(ctx context.Context, kind Kind, conn *net.UDPConn, track *webrtc.TrackLocalStaticRTP) {
	defer s.wg.Done()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	buf := make([]byte, maxRTPPacketBytes)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Warn("rtp ingest read failed", "kind", kind, "err", err)
			}
			return
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			// Not RTP.
			continue
		}
		if err := track.WriteRTP(&pkt); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return
			}
			s.log.Debug("rtp ingest write failed", "kind", kind, "err", err)
			continue
		}
		s.counts[kind].Add(1)
	}
}
