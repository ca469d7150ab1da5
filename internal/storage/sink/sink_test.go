package sink

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"testing"

	verrors "github.com/xtxerr/voxeld/internal/errors"
)

func TestIsBroken(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"bad conn", fmt.Errorf("exec: %w", driver.ErrBadConn), true},
		{"sentinel", verrors.ErrConnBroken, true},
		{"net", &net.OpError{Op: "read", Err: errors.New("reset")}, true},
		{"statement", errors.New("syntax error at or near"), false},
		{"storage", verrors.Storage("upsert", errors.New("constraint")), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsBroken(tt.err); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestUnavailable(t *testing.T) {
	u := &Unavailable{Cause: errors.New("connection refused")}

	if err := u.Ping(context.Background()); !IsBroken(err) {
		t.Errorf("expected broken from Ping, got %v", err)
	}
	if err := u.UpsertCells(context.Background(), nil); !errors.Is(err, verrors.ErrConnBroken) {
		t.Errorf("expected ErrConnBroken, got %v", err)
	}
	if err := u.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
