package scpi

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/internal/mdns"
	"github.com/rjboer/GoVNA/internal/vna"
)

// Target describes how to reach a SCPI server.
type Target struct {
	// Addr is host[:port]. Empty means locate the server over mDNS, or
	// the jump host's loopback when tunnelling.
	Addr            string
	DiscoverTimeout time.Duration
	// SSH tunnels the connection through a jump host when set.
	SSH *SSHConfig
}

var discover = mdns.Discover

// Connect opens a connection to the target.
func Connect(ctx context.Context, t Target, opts Options) (*Conn, error) {
	opts = opts.withDefaults()
	if t.SSH != nil {
		remote := t.Addr
		if remote == "" {
			remote = "127.0.0.1"
		}
		if _, _, err := net.SplitHostPort(remote); err != nil {
			remote = net.JoinHostPort(remote, strconv.Itoa(DefaultPort))
		}
		return DialSSH(ctx, *t.SSH, remote, opts)
	}

	addr := t.Addr
	if addr == "" {
		found, err := Locate(ctx, t.DiscoverTimeout, opts.Logger)
		if err != nil {
			return nil, err
		}
		addr = found
	}
	return Dial(ctx, addr, opts)
}

// Locate browses for raw socket SCPI servers and returns the address of the
// first one found.
func Locate(ctx context.Context, timeout time.Duration, logger logging.Logger) (string, error) {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hosts, err := discover(browseCtx, mdns.ServiceSCPIRaw)
	if err != nil {
		return "", fmt.Errorf("%w: discovery: %v", vna.ErrDeviceNotFound, err)
	}
	if len(hosts) == 0 {
		return "", fmt.Errorf("%w: no %s service found", vna.ErrDeviceNotFound, mdns.ServiceSCPIRaw)
	}
	if len(hosts) > 1 {
		logger.Warn("several instruments found, using the first",
			logging.F("count", len(hosts)),
			logging.F("instance", hosts[0].Instance),
		)
	}
	logger.Info("instrument discovered", logging.F("instance", hosts[0].Instance), logging.F("addr", hosts[0].Addr()))
	return hosts[0].Addr(), nil
}
