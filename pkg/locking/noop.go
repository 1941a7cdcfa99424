package locking

// NoOpGroup is a Group implementation that performs no locking.
// Every call executes the function immediately. Only safe when the caller
// already guarantees a single goroutine touches the cache.
type NoOpGroup struct{}

// NewNoOpGroup creates a new NoOpGroup.
func NewNoOpGroup() *NoOpGroup {
	return &NoOpGroup{}
}

func (n *NoOpGroup) DoWithLock(key string, fn func() (interface{}, error)) (v interface{}, err error) {
	return fn()
}
