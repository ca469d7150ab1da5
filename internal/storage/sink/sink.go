// Package sink defines the contract between the flush pipeline and a
// storage backend.
package sink

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"syscall"

	verrors "github.com/xtxerr/voxeld/internal/errors"
	"github.com/xtxerr/voxeld/internal/storage/types"
)

// Conn is one backend connection.
type Conn interface {
	// UpsertCells writes points in one bulk statement. A point whose
	// (x, y, z) already exists adds its count to the stored count; color
	// and timestamp of the stored row are kept.
	UpsertCells(ctx context.Context, points []types.Point) error

	// Ping reports connection health. It returns an error wrapping
	// ErrConnBroken when the connection cannot be used again.
	Ping(ctx context.Context) error

	// Close releases the connection.
	Close() error
}

// Dialer opens a new connection.
type Dialer func(ctx context.Context) (Conn, error)

// IsBroken reports whether err means the connection is unusable, as
// opposed to a failed statement on a healthy connection.
func IsBroken(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, verrors.ErrConnBroken) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr *net.OpError
	return errors.As(err, &netErr)
}

// Unavailable is the placeholder for a connection that could not be
// established. Every call fails with ErrConnBroken so the owner resets it.
type Unavailable struct {
	Cause error
}

var _ Conn = (*Unavailable)(nil)

func (u *Unavailable) err() error {
	if u.Cause == nil {
		return verrors.ErrConnBroken
	}
	return verrors.Wrap(verrors.ErrConnBroken, u.Cause.Error())
}

// UpsertCells implements Conn.
func (u *Unavailable) UpsertCells(context.Context, []types.Point) error {
	return u.err()
}

// Ping implements Conn.
func (u *Unavailable) Ping(context.Context) error {
	return u.err()
}

// Close implements Conn.
func (u *Unavailable) Close() error {
	return nil
}
