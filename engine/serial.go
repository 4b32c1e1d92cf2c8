package engine

import "sync"

// conversationQueue runs work strictly in arrival order per key while
// different keys proceed in parallel. Each enqueued task waits on the
// completion channel of the task enqueued before it.
type conversationQueue struct {
	mu    sync.Mutex
	tails map[string]*queueTail
}

type queueTail struct {
	done chan struct{} // completion of the most recently enqueued task
	refs int           // tasks enqueued and not yet finished
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func newConversationQueue() *conversationQueue {
	return &conversationQueue{tails: make(map[string]*queueTail)}
}

// enqueue reserves the next slot for key. The caller must wait on the
// returned channel before running and call release when finished.
func (q *conversationQueue) enqueue(key string) (wait <-chan struct{}, release func()) {
	mine := make(chan struct{})

	q.mu.Lock()
	tail, ok := q.tails[key]
	if !ok {
		tail = &queueTail{done: closedChan}
		q.tails[key] = tail
	}
	prev := tail.done
	tail.done = mine
	tail.refs++
	q.mu.Unlock()

	return prev, func() {
		close(mine)
		q.mu.Lock()
		tail.refs--
		if tail.refs == 0 {
			delete(q.tails, key)
		}
		q.mu.Unlock()
	}
}

// Go schedules fn for key and returns immediately. The slot is taken
// synchronously, so calls made in order from one goroutine run in order.
func (q *conversationQueue) Go(key string, fn func()) <-chan struct{} {
	wait, release := q.enqueue(key)
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-wait
		defer release()
		fn()
	}()
	return done
}

// Do runs fn for key once every earlier task for key has finished.
func (q *conversationQueue) Do(key string, fn func()) {
	wait, release := q.enqueue(key)
	<-wait
	defer release()
	fn()
}

// Len returns the number of keys with queued or running work.
func (q *conversationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tails)
}
