// Package semaphore provides a minimal counting semaphore used to bound the
// number of concurrent part uploads a Coordinator issues against S3.
package semaphore

// Semaphore is a counting semaphore backed by a buffered channel.
type Semaphore chan struct{}

// New returns a Semaphore that allows up to concurrency concurrent holders.
func New(concurrency int) Semaphore {
	return make(chan struct{}, concurrency)
}

// Acquire blocks until a slot is available.
func (s Semaphore) Acquire() {
	s <- struct{}{}
}

// Release frees a previously acquired slot.
func (s Semaphore) Release() {
	<-s
}
