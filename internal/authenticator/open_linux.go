//go:build linux

package authenticator

import (
	"fmt"
	"log/slog"

	"github.com/dot1xd/dot1xd/internal/logging"
	"github.com/dot1xd/dot1xd/internal/sockets"
)

// New opens the three real sockets on the configured interface and builds
// the authenticator over them. Interface setup (promiscuous membership,
// filter attachment) happens here, before any I/O loop starts.
func New(cfg Config, cb Callbacks) (*Authenticator, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	eapConn, err := sockets.NewEAPSocket(cfg.Interface, logging.Component(cfg.Logger, "eapol_socket"))
	if err != nil {
		return nil, fmt.Errorf("opening eapol socket: %w", err)
	}
	mabConn, err := sockets.NewMABSocket(cfg.Interface, logging.Component(cfg.Logger, "mab_socket"))
	if err != nil {
		eapConn.Close()
		return nil, fmt.Errorf("opening mab socket: %w", err)
	}
	radiusConn, err := sockets.NewRadiusSocket(cfg.RadiusServerIP, cfg.RadiusServerPort, logging.Component(cfg.Logger, "radius_socket"))
	if err != nil {
		eapConn.Close()
		mabConn.Close()
		return nil, fmt.Errorf("opening radius socket: %w", err)
	}
	return NewWithTransports(cfg, cb, eapConn, mabConn, radiusConn), nil
}
