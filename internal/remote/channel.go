package remote

import (
	"context"
	"errors"
)

var (
	// ErrUnreachable marks transport-level failures: the control channel (or
	// the host behind it) could not be reached or died mid-command. The
	// orchestrator marks hosts unhealthy only for this class.
	ErrUnreachable = errors.New("control channel unreachable")

	// ErrCommandFailed marks an application-level failure: the channel worked
	// but the remote command exited non-zero.
	ErrCommandFailed = errors.New("remote command failed")
)

// Channel is one reusable control connection to a fleet host. Implementations
// are not safe for concurrent use; the pool hands a channel to exactly one
// caller between acquire and release.
type Channel interface {
	// Run executes a command and returns its stdout and stderr. Errors wrap
	// ErrCommandFailed for non-zero exits and ErrUnreachable for transport
	// failures.
	Run(ctx context.Context, command string) (stdout, stderr string, err error)

	// Ping is the cheap liveness check used on pool checkout and checkin.
	Ping() error

	Close() error
}

// DialFunc opens a fresh channel to one host.
type DialFunc func(ctx context.Context) (Channel, error)
