package scpi

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/internal/mdns"
	"github.com/rjboer/GoVNA/internal/vna"
)

func stubDiscover(t *testing.T, hosts []mdns.Host, err error) {
	t.Helper()
	orig := discover
	discover = func(ctx context.Context, service string) ([]mdns.Host, error) {
		if service != mdns.ServiceSCPIRaw {
			t.Errorf("unexpected service %q", service)
		}
		return hosts, err
	}
	t.Cleanup(func() { discover = orig })
}

func TestConnectDiscoversServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	accepted := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
		close(accepted)
	}()

	tcp := ln.Addr().(*net.TCPAddr)
	stubDiscover(t, []mdns.Host{{Instance: "vna", Addresses: []net.IP{tcp.IP}, Port: tcp.Port}}, nil)

	c, err := Connect(context.Background(), Target{}, Options{Logger: logging.Nop()})
	if err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	c.Close()
	<-accepted
}

func TestConnectWithoutServerIsDeviceNotFound(t *testing.T) {
	stubDiscover(t, nil, nil)
	_, err := Connect(context.Background(), Target{}, Options{Logger: logging.Nop()})
	if !errors.Is(err, vna.ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}

	stubDiscover(t, nil, errors.New("no multicast interface"))
	_, err = Connect(context.Background(), Target{}, Options{Logger: logging.Nop()})
	if !errors.Is(err, vna.ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestOpenerFallsBackToSimulatorWhenNothingAdvertised(t *testing.T) {
	stubDiscover(t, nil, nil)
	demo := func(context.Context) (vna.Driver, error) { return nil, errors.New("demo opened") }

	_, err := vna.Open(context.Background(), vna.SelectAuto, Opener(Target{}, Options{}, DriverOptions{}), demo, logging.Nop())
	if err == nil || !strings.Contains(err.Error(), "demo opened") {
		t.Fatalf("expected the demo opener to be tried, got %v", err)
	}
}
