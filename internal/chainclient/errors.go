package chainclient

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Typed error family surfaced by chain clients. Callers retry the
// transient kinds with bounded backoff; ErrTransferNotValid is always
// skip-and-log.
var (
	ErrTimeout          = errors.New("chain rpc timeout")
	ErrConnection       = errors.New("chain rpc connection error")
	ErrBadResponse      = errors.New("chain rpc bad response")
	ErrNotFound         = errors.New("not found")
	ErrTransferNotValid = errors.New("transfer not valid")
)

// IsTransient reports whether err is worth retrying after a delay.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnection) || errors.Is(err, ErrBadResponse)
}

// classifyNetErr maps a transport-level error onto the typed family.
func classifyNetErr(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
}
