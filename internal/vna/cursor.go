package vna

import (
	"context"
	"errors"
	"fmt"

	"github.com/rjboer/GoVNA/internal/logging"
)

var (
	// ErrCursorExhausted is returned by Next after the last point was delivered.
	ErrCursorExhausted = errors.New("vna: no more points")
	// ErrCursorClosed is returned by Next after Close aborted the sweep.
	ErrCursorClosed = errors.New("vna: cursor closed")
)

// Cursor pulls the points of a streaming sweep in plan order. It is meant
// for a single consumer loop and is not safe for concurrent use.
//
// Any failure is terminal: the cursor keeps returning the same error and
// HasMore reports false. A cursor that ends early never looks complete.
type Cursor struct {
	session *Session
	stream  Stream
	total   int
	info    SweepInfo

	next     int
	err      error
	finished bool
}

// HasMore reports whether Next would try to deliver another point.
func (c *Cursor) HasMore() bool {
	return c.err == nil && !c.finished && c.next < c.total
}

// Delivered returns the number of points handed out so far.
func (c *Cursor) Delivered() int { return c.next }

// Len returns the number of points the sweep will deliver.
func (c *Cursor) Len() int { return c.total }

// Err returns the terminal error, if any.
func (c *Cursor) Err() error { return c.err }

// Next blocks until the next point in plan order is available. Cancelling
// ctx aborts the pending request and leaves the cursor failed.
func (c *Cursor) Next(ctx context.Context) (SParameterPoint, error) {
	if c.err != nil {
		return SParameterPoint{}, c.err
	}
	if c.finished || c.next >= c.total {
		return SParameterPoint{}, ErrCursorExhausted
	}
	if err := ctx.Err(); err != nil {
		return SParameterPoint{}, c.fail(acquisitionErr("next point", c.next, err))
	}
	if !c.stream.HasMorePoints() {
		return SParameterPoint{}, c.fail(acquisitionErr("next point", c.next,
			fmt.Errorf("stream ended after %d of %d points", c.next, c.total)))
	}

	pt, err := c.stream.NextPoint(ctx)
	if err != nil {
		return SParameterPoint{}, c.fail(acquisitionErr("next point", c.next, err))
	}

	idx := c.next
	c.next++
	c.session.observer.PointAcquired(c.info, idx, pt)
	if c.next == c.total {
		c.complete(nil)
	}
	return pt, nil
}

// Collect drains the remaining points into a SweepResult. Points already
// taken with Next are not included. On failure no partial result is returned.
func (c *Cursor) Collect(ctx context.Context) (SweepResult, error) {
	points := make([]SParameterPoint, 0, c.total-c.next)
	for c.HasMore() {
		pt, err := c.Next(ctx)
		if err != nil {
			return SweepResult{}, err
		}
		points = append(points, pt)
	}
	if c.err != nil {
		return SweepResult{}, c.err
	}
	return SweepResult{Points: points}, nil
}

// Close releases the stream. Closing before the last point aborts the sweep.
func (c *Cursor) Close() error {
	if c.finished {
		return nil
	}
	c.fail(ErrCursorClosed)
	return nil
}

func (c *Cursor) fail(err error) error {
	c.err = err
	c.complete(err)
	return err
}

func (c *Cursor) complete(err error) {
	if c.finished {
		return
	}
	c.finished = true
	if cerr := c.stream.Close(); cerr != nil {
		c.session.logger.Warn("close stream", logging.F("error", cerr))
	}
	c.session.finish(c.info, err)
	c.session.release()
}
