package governor

import "sync"

// Token is a cooperative cancellation signal for one turn. Cancelling it
// never interrupts a call already in flight; the holder polls Cancelled
// at its checkpoints.
type Token struct {
	once sync.Once
	done chan struct{}
	gov  *Governor
}

func (t *Token) cancel() {
	t.once.Do(func() { close(t.done) })
}

// Cancelled reports whether the token has been signalled.
func (t *Token) Cancelled() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the token is signalled.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Release unregisters the token. It is safe to call more than once.
func (t *Token) Release() {
	if t == nil || t.gov == nil {
		return
	}
	t.gov.release(t)
}
