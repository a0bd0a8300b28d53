package reconcile

import (
	"iter"
)

// cursor turns a push sequence into a pull cursor with one element of
// lookahead. After an error the cursor is exhausted.
type cursor[T any] struct {
	next func() (T, error, bool)
	stop func()

	head T
	err  error
	ok   bool
}

func newCursor[T any](seq iter.Seq2[T, error]) *cursor[T] {
	next, stop := iter.Pull2(seq)
	c := &cursor[T]{next: next, stop: stop}
	c.advance()
	return c
}

// peek returns the current element without consuming it.
func (c *cursor[T]) peek() (T, bool) {
	return c.head, c.ok && c.err == nil
}

// advance consumes the current element.
func (c *cursor[T]) advance() {
	if c.err != nil {
		return
	}
	c.head, c.err, c.ok = c.next()
	if c.err != nil {
		c.ok = false
	}
}

// Err returns the error the sequence yielded, if any.
func (c *cursor[T]) Err() error {
	return c.err
}

func (c *cursor[T]) close() {
	c.stop()
}
