package main

import (
	"log/slog"

	"github.com/because-why-not/awrtc-signaling/internal/config"
)

// logStartupSecurityWarnings flags configuration combinations that are legal
// but weaken the relay's admission or transport posture, mirroring the
// teacher's practice of surfacing these at boot rather than failing closed.
func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AdminToken == "" {
		logger.Warn("startup security warning: no admin_token configured; every websocket connection is admitted without a userToken",
			"warning_code", "admin_token_unset",
		)
	}

	if !cfg.TLSEnabled() {
		logger.Warn("startup security warning: TLS is not configured; the relay is serving plain HTTP/WS",
			"warning_code", "tls_disabled",
		)
	}

	for _, app := range cfg.Apps {
		if app.AddressSharing {
			logger.Warn("startup security warning: app has address_sharing enabled; any number of listeners on the same address are paired with each other",
				"warning_code", "address_sharing_enabled",
				"app", app.Name,
				"path", app.Path,
			)
		}
	}
}
