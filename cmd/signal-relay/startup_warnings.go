package main

import (
	"log/slog"
	"slices"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/config"
)

// largeSignalingMessageBytes is well above any SDP a browser produces.
const largeSignalingMessageBytes = 1 << 20

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && !cfg.TLSEnabled() {
		logger.Warn("startup security warning: TLS is not configured while --mode=prod (expects a TLS-terminating proxy in front)",
			"warning_code", "tls_disabled_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > largeSignalingMessageBytes {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (every frame is copied to each peer's send queue)",
			"warning_code", "max_signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.TURNRESTEnabled() && !slices.ContainsFunc(cfg.ICEServers, config.HasTURNURL) {
		logger.Warn("startup warning: TURN_REST_SHARED_SECRET is set but no TURN urls are configured; no credentials will be issued",
			"warning_code", "turn_rest_without_turn_urls",
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: ICE server configuration is invalid; /webrtc/ice and /readyz will report 503",
			"warning_code", "ice_config_invalid",
			"err", err,
			"mode", cfg.Mode,
		)
	}
}
