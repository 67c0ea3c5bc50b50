package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/peer"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/stunprobe"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/transport"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/webrtcpeer"
)

const stunProbeTimeout = 5 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadPeer(os.LookupEnv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(&cfg).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Peer) *cobra.Command {
	root := &cobra.Command{
		Use:   "signal-peer",
		Short: "Headless WebRTC peer that negotiates through a signal-relay",
		Long: "Connects to the relay, announces itself with a join message and " +
			"negotiates a media session with the first other peer. Audio and video " +
			"are sent from RTP ingest sockets; received media can be forwarded as RTP.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := config.NewPeerLogger(*cfg)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return runPeer(cmd.Context(), *cfg, logger)
		},
	}
	cfg.BindFlags(root.PersistentFlags())
	root.AddCommand(newSTUNProbeCmd(cfg))
	return root
}

func runPeer(ctx context.Context, cfg config.Peer, logger *slog.Logger) error {
	iceServers, err := cfg.ICEServers()
	if err != nil {
		return err
	}
	api, err := webrtcpeer.NewAPI(webrtcpeer.APIConfig{
		Logger:     logger,
		UDPPortMin: cfg.UDPPortMin,
		UDPPortMax: cfg.UDPPortMax,
	})
	if err != nil {
		return err
	}

	logger.Info("starting signal-peer",
		"url", cfg.SignalURL,
		"audio", cfg.Audio,
		"video", cfg.Video,
		"ice_config_url", cfg.ICEConfigURL,
		"forward_rtp_addr", cfg.ForwardRTPAddr,
	)

	err = peer.Run(ctx, peer.Config{
		SignalURL:    cfg.SignalURL,
		Header:       cfg.Header(),
		ICEConfigURL: cfg.ICEConfigURL,
		ICEServers:   iceServers,
		Media: media.SourceConfig{
			Audio:        cfg.Audio,
			Video:        cfg.Video,
			AudioRTPAddr: cfg.AudioRTPAddr,
			VideoRTPAddr: cfg.VideoRTPAddr,
		},
		Sink: media.SinkConfig{
			ForwardAddr: cfg.ForwardRTPAddr,
			PLIInterval: cfg.PLIInterval,
		},
		API:     api,
		Channel: transport.WebSocketConfig{MaxMessageBytes: signaling.DefaultMaxMessageBytes},
		Logger:  logger,
		OnStateChange: func(state negotiation.State, role negotiation.Role) {
			logger.Info("negotiation state", "state", state.String(), "role", role.String())
		},
	})

	var acqErr *media.AcquisitionError
	var connErr *transport.ConnectionError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &acqErr):
		logger.Error("local media unavailable", "kind", acqErr.Kind, "err", acqErr.Err)
	case errors.As(err, &connErr):
		logger.Error("could not reach signaling relay", "url", connErr.URL, "status", connErr.StatusCode, "err", connErr.Err)
	default:
		logger.Error("peer exited", "err", err)
	}
	return err
}

func newSTUNProbeCmd(cfg *config.Peer) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "stun-probe [server]",
		Short: "Print the reflexive address a STUN server sees",
		Long: "Sends a STUN binding request to server (default: the first of --stun-urls) " +
			"and prints the mapped address. Use it to check UDP reachability when ICE fails.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			server, err := probeServer(*cfg, args)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			res, err := stunprobe.Discover(ctx, server)
			if err != nil {
				return err
			}
			printProbeResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", stunProbeTimeout, "Give up after this long")
	return cmd
}

func probeServer(cfg config.Peer, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	servers, err := cfg.ICEServers()
	if err != nil {
		return "", err
	}
	if len(servers) == 0 || len(servers[0].URLs) == 0 {
		return "", errors.New("no STUN server: pass one as an argument or set --stun-urls")
	}
	return servers[0].URLs[0], nil
}

func printProbeResult(w io.Writer, res stunprobe.Result) {
	fmt.Fprintf(w, "server:  %s\n", res.Server)
	fmt.Fprintf(w, "local:   %s\n", res.Local)
	fmt.Fprintf(w, "mapped:  %s\n", res.Mapped)
	if res.Local != nil && res.Mapped != nil && res.Local.String() == res.Mapped.String() {
		fmt.Fprintln(w, "nat:     none (mapped address equals local address)")
	}
}
