package scpi

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/internal/vna"
)

func TestQueryReturnsTrimmedLine(t *testing.T) {
	c, r := newTestConn(t, []mockStep{
		query("*IDN?", "Pico Technology,PicoVNA 108,GQ123/456,5.2.1\r"),
	}, Options{})
	in := NewInstrument(c)

	id, err := in.Identify(context.Background())
	r.wait(t)
	if err != nil {
		t.Fatalf("Identify returned error: %v", err)
	}
	want := Identity{Manufacturer: "Pico Technology", Model: "PicoVNA 108", Serial: "GQ123/456", Firmware: "5.2.1"}
	if id != want {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestQueryFloatsParsesList(t *testing.T) {
	c, r := newTestConn(t, []mockStep{
		query("CALC:DATA S21,LOGMAG", "-0.5, -3.01,-20.25,1e-3"),
	}, Options{})

	vals, err := c.QueryFloats(context.Background(), "CALC:DATA S21,LOGMAG")
	r.wait(t)
	if err != nil {
		t.Fatalf("QueryFloats returned error: %v", err)
	}
	want := []float64{-0.5, -3.01, -20.25, 0.001}
	if len(vals) != len(want) {
		t.Fatalf("expected %d values, got %v", len(want), vals)
	}
	for i := range want {
		if vals[i] != want[i] {
			t.Fatalf("value %d: expected %v, got %v", i, want[i], vals[i])
		}
	}
}

func TestParseFloatsRejectsGarbage(t *testing.T) {
	if _, err := ParseFloats(""); !errors.Is(err, ErrEmptyReply) {
		t.Fatalf("expected ErrEmptyReply, got %v", err)
	}
	if _, err := ParseFloats("1.0,abc,3"); err == nil || !strings.Contains(err.Error(), "abc") {
		t.Fatalf("expected parse error naming the bad field, got %v", err)
	}
}

func TestQueryTimesOut(t *testing.T) {
	c, r := newTestConn(t, []mockStep{silent("SENSE:SWEEP:POINTS?")}, Options{ReadTimeout: 30 * time.Millisecond})

	_, err := c.Query(context.Background(), "SENSE:SWEEP:POINTS?")
	r.wait(t)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestInitWaitsForSweepCompletion(t *testing.T) {
	c, r := newTestConn(t, []mockStep{
		{name: "INIT", expect: "INIT", reply: "1", respond: true, delay: 100 * time.Millisecond},
	}, Options{ReadTimeout: 20 * time.Millisecond})

	reply, err := NewInstrument(c).Init(context.Background())
	r.wait(t)
	if err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	if reply != "1" {
		t.Fatalf("unexpected INIT reply %q", reply)
	}
}

func TestInitHonoursSweepTimeout(t *testing.T) {
	c, r := newTestConn(t, []mockStep{silent("INIT")}, Options{SweepTimeout: 30 * time.Millisecond})

	_, err := NewInstrument(c).Init(context.Background())
	r.wait(t)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestCancelAbortsQueryAndDropsConnection(t *testing.T) {
	c, r := newTestConn(t, []mockStep{silent("INIT")}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := NewInstrument(c).Init(ctx)
	r.wait(t)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if _, err := c.Query(context.Background(), "*IDN?"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after abort, got %v", err)
	}
}

func TestSettingsAreNewlineTerminated(t *testing.T) {
	c, r := newTestConn(t, []mockStep{
		ack("FORMAT ASCII"),
		ack("SENSE:FREQUENCY:START 300000"),
		ack("SENSE:FREQUENCY:STOP 8500000000"),
		ack("SENSE:SWEEP:POINTS 1001"),
		ack("MMEMory:STORe:TRACe:OPTion:TOUCHSTONEDATAFORMAT RIAN"),
		ack("MMEMory:STORe:TRACe 0,S2P,dut.s2p"),
	}, Options{})
	in := NewInstrument(c)
	ctx := context.Background()

	steps := []func() error{
		func() error { return in.SetASCIIFormat(ctx) },
		func() error { return in.SetStartFrequency(ctx, 0.3e6) },
		func() error { return in.SetStopFrequency(ctx, 8500e6) },
		func() error { return in.SetSweepPoints(ctx, 1001) },
		func() error { return in.SetTouchstoneFormat(ctx, TouchstoneRealImag) },
		func() error { return in.StoreTrace(ctx, 0, "s2p", "dut.s2p") },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	r.wait(t)
}

func TestExecConsumesAcknowledgement(t *testing.T) {
	c, r := newTestConn(t, []mockStep{
		ack("FORMAT ASCII"),
		ack("SENSE:SWEEP:POINTS 3"),
		query("CALC:DATA S11,REAL", "0.5,0.25,0.125"),
	}, Options{})
	in := NewInstrument(c)
	ctx := context.Background()

	if err := in.SetASCIIFormat(ctx); err != nil {
		t.Fatalf("SetASCIIFormat returned error: %v", err)
	}
	if err := in.SetSweepPoints(ctx, 3); err != nil {
		t.Fatalf("SetSweepPoints returned error: %v", err)
	}
	vals, err := in.TraceData(ctx, vna.S11, FormatReal)
	r.wait(t)
	if err != nil {
		t.Fatalf("TraceData returned error: %v", err)
	}
	if len(vals) != 3 || vals[0] != 0.5 || vals[2] != 0.125 {
		t.Fatalf("trace read the wrong reply: %v", vals)
	}
}

func TestSettingWithoutAcknowledgementTimesOut(t *testing.T) {
	c, r := newTestConn(t, []mockStep{silent("MMEM:CD /cal")}, Options{ReadTimeout: 30 * time.Millisecond})

	err := NewInstrument(c).ChangeDirectory(context.Background(), "/cal")
	r.wait(t)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestStoreTraceRejectsUnknownKind(t *testing.T) {
	in := NewInstrument(NewConn(nil, Options{Logger: logging.Nop()}))
	if err := in.StoreTrace(context.Background(), 0, "S3P", "x.s3p"); err == nil {
		t.Fatalf("expected error for S3P")
	}
}

func TestDialLoopback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		if string(buf[:n]) == "*IDN?\n" {
			conn.Write([]byte("ACME,VNA-1,42,1.0\n"))
		}
	}()

	c, err := Dial(context.Background(), ln.Addr().String(), Options{Logger: logging.Nop()})
	if err != nil {
		t.Fatalf("Dial returned error: %v", err)
	}
	defer c.Close()
	reply, err := c.Query(context.Background(), "*IDN?")
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	if reply != "ACME,VNA-1,42,1.0" {
		t.Fatalf("unexpected reply %q", reply)
	}
}

func TestDialGivesUpAfterRetries(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	start := time.Now()
	_, err = Dial(context.Background(), addr, Options{DialRetries: 1, DialTimeout: 200 * time.Millisecond, Logger: logging.Nop()})
	if err == nil {
		t.Fatalf("expected dial error")
	}
	if !strings.Contains(err.Error(), addr) {
		t.Fatalf("error should name the address: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("dial retried for too long")
	}
}
