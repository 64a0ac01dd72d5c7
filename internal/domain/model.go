package domain

import (
	"errors"
	"fmt"
)

// Socket is a native descriptor value as reported by a resolution engine.
type Socket = int

const SocketBad Socket = -1

// MaxInterest bounds the interest set an engine reports in one pass.
const MaxInterest = 16

type Interest struct {
	Socket   Socket
	Readable bool
	Writable bool
}

var (
	ErrShutdown  = errors.New("fd shutdown")
	ErrCancelled = errors.New("query cancelled")
	ErrDestroyed = errors.New("engine destroyed")
	ErrNoServers = errors.New("no nameservers configured")
	ErrTimeout   = errors.New("query timed out")
)

// EngineInitError reports a failed engine library or instance
// initialization. No driver exists when it is returned.
type EngineInitError struct {
	Err error
}

func (e *EngineInitError) Error() string {
	return fmt.Sprintf("failed to init resolution engine: %v", e.Err)
}

func (e *EngineInitError) Unwrap() error {
	return e.Err
}
