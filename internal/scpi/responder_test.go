package scpi

import (
	"bufio"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/rjboer/GoVNA/internal/logging"
)

type mockStep struct {
	name   string
	expect string
	reply  string
	// respond is false for a server that stays silent, as a stalled sweep does.
	respond bool
	delay   time.Duration
}

// ack is a setting the server acknowledges with one line.
func ack(expect string) mockStep {
	return mockStep{name: expect, expect: expect, reply: "OK", respond: true}
}

func silent(expect string) mockStep {
	return mockStep{name: expect, expect: expect}
}

func query(expect, reply string) mockStep {
	return mockStep{name: expect, expect: expect, reply: reply, respond: true}
}

type mockResponder struct {
	conn  net.Conn
	steps []mockStep
	done  chan struct{}
	errCh chan error
}

func newMockResponder(t *testing.T, steps []mockStep) (net.Conn, *mockResponder) {
	t.Helper()

	client, server := net.Pipe()
	r := &mockResponder{
		conn:  server,
		steps: steps,
		done:  make(chan struct{}),
		errCh: make(chan error, 1),
	}
	t.Cleanup(func() { server.Close() })

	go r.run()
	return client, r
}

func newTestConn(t *testing.T, steps []mockStep, opts Options) (*Conn, *mockResponder) {
	t.Helper()
	client, r := newMockResponder(t, steps)
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	c := NewConn(client, opts)
	t.Cleanup(func() { c.Close() })
	return c, r
}

func (r *mockResponder) run() {
	defer close(r.done)
	defer close(r.errCh)

	reader := bufio.NewReader(r.conn)
	for idx, step := range r.steps {
		line, err := reader.ReadString('\n')
		if err != nil {
			r.errCh <- fmt.Errorf("step %d (%s): read command: %w", idx, step.name, err)
			return
		}
		if line != step.expect+"\n" {
			r.errCh <- fmt.Errorf("step %d (%s): unexpected command %q", idx, step.name, line)
			return
		}
		if !step.respond {
			continue
		}
		if step.delay > 0 {
			time.Sleep(step.delay)
		}
		if _, err := r.conn.Write([]byte(step.reply + "\n")); err != nil {
			r.errCh <- fmt.Errorf("step %d (%s): write reply: %w", idx, step.name, err)
			return
		}
	}
}

func (r *mockResponder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("mock responder did not finish")
	}
	if err := <-r.errCh; err != nil {
		t.Fatalf("mock responder error: %v", err)
	}
}
