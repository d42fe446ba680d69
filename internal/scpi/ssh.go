package scpi

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/rjboer/GoVNA/internal/logging"
)

// SSHConfig describes the jump host in front of an instrument whose SCPI
// server only listens on the remote loopback.
type SSHConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	KeyPath  string
	// KnownHostsKey pins the host key; empty accepts any key.
	KnownHostsKey string
}

func (cfg SSHConfig) clientConfig(timeout time.Duration) (*ssh.ClientConfig, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ssh host is required")
	}
	auth := []ssh.AuthMethod{}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if cfg.KeyPath != "" {
		key, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no ssh password or key configured")
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsKey != "" {
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(cfg.KnownHostsKey))
		if err != nil {
			return nil, fmt.Errorf("parse host key: %w", err)
		}
		hostKey = ssh.FixedHostKey(pub)
	}

	user := cfg.User
	if user == "" {
		user = "root"
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, nil
}

// DialSSH opens an SSH session to cfg.Host and tunnels a SCPI connection to
// remote (as seen from the jump host, e.g. "127.0.0.1:5025").
func DialSSH(ctx context.Context, cfg SSHConfig, remote string, opts Options) (*Conn, error) {
	opts = opts.withDefaults()
	config, err := cfg.clientConfig(opts.DialTimeout)
	if err != nil {
		return nil, err
	}
	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	d := net.Dialer{Timeout: opts.DialTimeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial ssh: %w", err)
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(raw, addr, config)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("create ssh client: %w", err)
	}
	client := ssh.NewClient(clientConn, chans, reqs)

	tunnel, err := client.Dial("tcp", remote)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("tunnel to %s: %w", remote, err)
	}
	opts.Logger.Info("ssh tunnel open", logging.F("jump", addr), logging.F("remote", remote))

	c := NewConn(tunnel, opts)
	c.closers = append(c.closers, client)
	return c, nil
}
