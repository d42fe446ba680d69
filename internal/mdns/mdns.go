package mdns

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

// ServiceSCPIRaw is the DNS-SD service type LXI instruments advertise for
// raw socket SCPI.
const ServiceSCPIRaw = "_scpi-raw._tcp"

// Host represents a discovered instrument
type Host struct {
	Instance  string // Advertised name: "ZNB20 #101234"
	Hostname  string // DNS hostname: "znb20.local."
	Addresses []net.IP
	Port      int
	TXT       []string
}

// Addr returns a dial address, preferring IPv4 and falling back to the
// hostname when no address was resolved.
func (h Host) Addr() string {
	port := strconv.Itoa(h.Port)
	for _, ip := range h.Addresses {
		if ip.To4() != nil {
			return net.JoinHostPort(ip.String(), port)
		}
	}
	if len(h.Addresses) > 0 {
		return net.JoinHostPort(h.Addresses[0].String(), port)
	}
	return net.JoinHostPort(strings.TrimSuffix(h.Hostname, "."), port)
}

// Discover browses service (ServiceSCPIRaw when empty) until ctx is done and
// returns cleaned, deduplicated hosts sorted by instance name.
func Discover(ctx context.Context, service string) ([]Host, error) {
	if service == "" {
		service = ServiceSCPIRaw
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("resolver error: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	resultMap := make(map[string]Host)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				merge(resultMap, e)
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, service, "local.", entries); err != nil {
		return nil, fmt.Errorf("browse error: %w", err)
	}

	<-done
	return collect(resultMap), nil
}

func merge(m map[string]Host, e *zeroconf.ServiceEntry) {
	if e == nil {
		return
	}
	addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	addrs = append(addrs, e.AddrIPv4...)
	addrs = append(addrs, e.AddrIPv6...)

	key := fmt.Sprintf("%s|%d", e.HostName, e.Port)
	m[key] = Host{
		Instance:  cleanInstance(e.Instance),
		Hostname:  e.HostName,
		Addresses: addrs,
		Port:      e.Port,
		TXT:       append([]string{}, e.Text...),
	}
}

func collect(m map[string]Host) []Host {
	out := make([]Host, 0, len(m))
	for _, h := range m {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Instance != out[j].Instance {
			return out[i].Instance < out[j].Instance
		}
		return out[i].Hostname < out[j].Hostname
	})
	return out
}

// cleanInstance removes Zeroconf escape sequences: "\ " => " "
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
