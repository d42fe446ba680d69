package main

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"strings"
	"testing"

	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/internal/scpi"
)

// fakeAnalyzer answers lines from a fixed table, acknowledges every other
// line with OK and records what it received.
type fakeAnalyzer struct {
	replies map[string]string
	lines   []string
	done    chan struct{}
}

func startFake(t *testing.T, replies map[string]string) (*scpi.Instrument, *fakeAnalyzer) {
	t.Helper()
	client, server := net.Pipe()
	f := &fakeAnalyzer{replies: replies, done: make(chan struct{})}
	go func() {
		defer close(f.done)
		defer server.Close()
		sc := bufio.NewScanner(server)
		for sc.Scan() {
			line := sc.Text()
			f.lines = append(f.lines, line)
			reply, ok := f.replies[line]
			if !ok {
				reply = "OK"
			}
			if _, err := server.Write([]byte(reply + "\n")); err != nil {
				return
			}
		}
	}()
	conn := scpi.NewConn(&loggingConn{Conn: client, logger: logging.Nop()}, scpi.Options{Logger: logging.Nop()})
	return scpi.NewInstrument(conn), f
}

func (f *fakeAnalyzer) finish(t *testing.T, in *scpi.Instrument) []string {
	t.Helper()
	in.Close()
	<-f.done
	return f.lines
}

func baseReplies() map[string]string {
	return map[string]string{
		"*IDN?":                  "Acme,VNA-1,SN42,1.0.3",
		"SENSE:FREQUENCY:START?": "1e6",
		"SENSE:FREQUENCY:STOP?":  "2e6",
		"SENSE:SWEEP:POINTS?":    "3",
	}
}

func TestParseConfig(t *testing.T) {
	cfg, err := parseConfig(nil)
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	if cfg.wire || cfg.sweep || cfg.storeKind != "S2P" || cfg.storeFormat != "ri" {
		t.Fatalf("unexpected defaults: %#v", cfg)
	}
	if _, err := parseConfig([]string{"--wire"}); err == nil {
		t.Fatalf("expected --wire without address to fail")
	}
	if _, err := parseConfig([]string{"--store-format", "xml"}); err == nil {
		t.Fatalf("expected unknown store format to fail")
	}
}

func TestDiagnoseIdentifies(t *testing.T) {
	in, f := startFake(t, baseReplies())
	var out bytes.Buffer
	if err := diagnose(context.Background(), cliConfig{}, in, &out); err != nil {
		t.Fatalf("diagnose failed: %v", err)
	}
	f.finish(t, in)

	for _, want := range []string{"Acme", "VNA-1", "SN42", "1.0.3", "1e+06 Hz .. 2e+06 Hz, 3 points"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output lacks %q:\n%s", want, out.String())
		}
	}
}

func TestDiagnoseSweepCalibrationAndStore(t *testing.T) {
	replies := baseReplies()
	replies["INIT"] = "1"
	replies["CALC:DATA S11,REAL"] = "0.5,0.25,0.125"
	replies["CALC:DATA S11,IMAG"] = "0,0,0"
	replies["CALC:DATA S21,REAL"] = "0,0,0"
	replies["CALC:DATA S21,IMAG"] = "1,1,1"

	in, f := startFake(t, replies)
	cfg := cliConfig{
		sweep:       true,
		cal:         `C:\cal\user.cal`,
		store:       "dut.s2p",
		storeFormat: "db",
		storeKind:   "S2P",
	}
	var out bytes.Buffer
	if err := diagnose(context.Background(), cfg, in, &out); err != nil {
		t.Fatalf("diagnose failed: %v\n%s", err, out.String())
	}
	lines := f.finish(t, in)

	want := []string{
		`MMEM:CD C:\cal`,
		"MMEM:APPLY:CAL user.cal",
		"FORMAT ASCII",
		"INIT",
		"MMEMory:STORe:TRACe:OPTion:TOUCHSTONEDATAFORMAT DBANG",
		"MMEMory:STORe:TRACe 0,S2P,dut.s2p",
	}
	joined := strings.Join(lines, "\n")
	for _, w := range want {
		if !strings.Contains(joined, w) {
			t.Fatalf("command %q not sent; got:\n%s", w, joined)
		}
	}
	if !strings.Contains(out.String(), "S11          : 3 values, first (0.5+0i)") ||
		!strings.Contains(out.String(), "S21          : 3 values, first (0+1i)") {
		t.Fatalf("unexpected sweep summary:\n%s", out.String())
	}
}

func TestDiagnoseMismatchedTrace(t *testing.T) {
	replies := baseReplies()
	replies["INIT"] = "1"
	replies["CALC:DATA S11,REAL"] = "0.5,0.25"
	replies["CALC:DATA S11,IMAG"] = "0"

	in, f := startFake(t, replies)
	err := diagnose(context.Background(), cliConfig{sweep: true}, in, &bytes.Buffer{})
	f.finish(t, in)
	if err == nil || !strings.Contains(err.Error(), "imaginary") {
		t.Fatalf("expected mismatch error, got %v", err)
	}
}
