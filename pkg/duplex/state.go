package duplex

// writeState tracks the write half from open to finished. It only moves
// forward.
type writeState int

const (
	writeOpen writeState = iota
	// End was called; prefinish waits for a sink.
	writeEndRequested
	// prefinish was emitted; sink.End waits for corks and the buffer.
	writePrefinished
	// sink.End was issued; waiting for its acknowledgement.
	writeFlushing
	writeFinished
)

var writeStateNames = [...]string{
	writeOpen:         "open",
	writeEndRequested: "end_requested",
	writePrefinished:  "prefinished",
	writeFlushing:     "flushing",
	writeFinished:     "finished",
}

func (s writeState) String() string {
	if s >= 0 && int(s) < len(writeStateNames) {
		return writeStateNames[s]
	}
	return "unknown"
}

// advanceTo moves the state forward. It reports false if next is not ahead of
// the current state.
func (s *writeState) advanceTo(next writeState) bool {
	if next <= *s {
		return false
	}
	*s = next
	return true
}

type lifecycle int

const (
	alive lifecycle = iota
	destroyed
)

func (l lifecycle) String() string {
	if l == destroyed {
		return "destroyed"
	}
	return "alive"
}
