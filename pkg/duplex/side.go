package duplex

// Side is anything a Duplex can observe. Subscribe registers a listener for
// every event the side emits and returns a function that removes it.
type Side interface {
	Subscribe(Listener) (cancel func())
}

// Sink is the write side.
//
// Write hands a chunk to the sink. done must be invoked exactly once, from
// any goroutine, when the chunk has been accepted or has failed. Write
// returns false to request that the caller hold further writes until done
// fires or the sink emits EventDrain.
//
// End signals that no more chunks will follow; done fires once everything
// written has been flushed.
type Sink interface {
	Side
	Write(c Chunk, done func(error)) bool
	End(done func(error))
}

// Source is the read side. It emits EventData chunks followed by EventEnd.
type Source interface {
	Side
}

// Pauser is implemented by sources that can suspend data delivery.
type Pauser interface {
	Pause()
	Resume()
}

// Destroyer is implemented by sides that support forced teardown.
type Destroyer interface {
	Destroy(err error)
}
