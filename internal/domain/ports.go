package domain

// Completion is invoked exactly once per readiness registration, with nil on
// readiness or an error when the descriptor was shut down.
type Completion func(err error)

// ResolutionEngine is the resolver state machine pumped by an event driver.
// Implementations must tolerate concurrent ProcessFD and CancelAll calls.
type ResolutionEngine interface {
	// InterestSet fills socks with the descriptors the engine currently
	// wants to read or write and returns how many entries were written.
	InterestSet(socks []Interest) int
	ProcessFD(read, write Socket)
	CancelAll()
	Destroy()
}

// EngineLibrary owns process-wide engine state and creates engine instances.
type EngineLibrary interface {
	Init() error
	Cleanup()
	NewEngine() (ResolutionEngine, error)
}

type ReactorFD interface {
	NotifyOnRead(cb Completion)
	NotifyOnWrite(cb Completion)
	// Shutdown is idempotent and forces any pending registration to fire
	// with ErrShutdown.
	Shutdown()
	// Release is legal only after Shutdown, with no registration pending.
	Release()
	Native() Socket
	Name() string
}

type Reactor interface {
	Wrap(s Socket, name string) (ReactorFD, error)
	// Schedule runs fn later on the executor that delivers completions.
	Schedule(fn func())
}

type PollsetSet interface {
	Add(fd ReactorFD)
	Remove(fd ReactorFD)
}
