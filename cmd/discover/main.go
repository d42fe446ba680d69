// Command discover lists network analyzers advertising SCPI over mDNS.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/rjboer/GoVNA/internal/config"
	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/internal/mdns"
)

const rule = "==============================================================="

func main() {
	l := config.NewLoader("discover")
	l.Flags().String("service", mdns.ServiceSCPIRaw, "DNS-SD service type to browse")
	cfg, err := l.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse config: %v\n", err)
		os.Exit(2)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	service := l.Viper().GetString("service")
	timeout := cfg.SCPI.DiscoverTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Println(rule)
	fmt.Println(" mDNS / DNS-SD Discovery")
	fmt.Println(rule)
	fmt.Printf(" Service : %s.local\n", service)
	fmt.Printf(" Timeout : %s\n", timeout)
	fmt.Println("---------------------------------------------------------------")

	browse, stop := context.WithTimeout(ctx, timeout)
	defer stop()
	start := time.Now()
	hosts, err := mdns.Discover(browse, service)
	if err != nil {
		logger.Error("discovery failed", logging.F("error", err))
		os.Exit(1)
	}
	printHosts(os.Stdout, hosts, time.Since(start))
}

func printHosts(out io.Writer, hosts []mdns.Host, took time.Duration) {
	if len(hosts) == 0 {
		fmt.Fprintf(out, "No devices found (%s)\n", took.Truncate(time.Millisecond))
		return
	}
	fmt.Fprintf(out, "Discovered %d device(s) in %s\n", len(hosts), took.Truncate(time.Millisecond))
	fmt.Fprintln(out, rule)

	for i, h := range hosts {
		fmt.Fprintf(out, " Device #%d\n", i+1)
		fmt.Fprintln(out, "---------------------------------------------------------------")
		fmt.Fprintf(out, " Instance : %s\n", h.Instance)
		fmt.Fprintf(out, " Hostname : %s\n", h.Hostname)
		fmt.Fprintf(out, " Port     : %d\n", h.Port)

		fmt.Fprintln(out, " Addresses:")
		if len(h.Addresses) == 0 {
			fmt.Fprintln(out, "   <none>")
		}
		for _, ip := range h.Addresses {
			fmt.Fprintf(out, "   - %s\n", ip)
		}

		fmt.Fprintln(out, " TXT Records:")
		if len(h.TXT) == 0 {
			fmt.Fprintln(out, "   <none>")
		}
		for _, txt := range h.TXT {
			fmt.Fprintf(out, "   - %s\n", txt)
		}

		fmt.Fprintf(out, " Connect  : --scpi-addr %s\n", h.Addr())
		fmt.Fprintln(out, rule)
	}
}
