package ingest

import (
	"context"
	"errors"
	"io"
	"net"
	"time"
)

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// readContext runs one blocking socket read that honors ctx: the context
// deadline becomes the read deadline and cancellation interrupts the read.
func readContext(ctx context.Context, conn readDeadliner, read func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	if err := conn.SetReadDeadline(deadline); err != nil {
		return mapClosed(err)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	err := read()
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return mapClosed(err)
}

// mapClosed turns a read on a closed socket into ErrClosed.
func mapClosed(err error) error {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return ErrClosed
	}
	return err
}
