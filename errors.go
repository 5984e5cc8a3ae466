package donneur

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("donneur: document not found")
	ErrNotOwner        = errors.New("donneur: only the author can do that")
	ErrNotChannelAdmin = errors.New("donneur: only the channel admin can post")
	ErrUnauthenticated = errors.New("donneur: no signed-in user")
	ErrClosed          = errors.New("donneur: closed")
	ErrEmptyContent    = errors.New("donneur: content is empty")
	ErrInvalidAmount   = errors.New("donneur: amount must be positive")
	ErrPending         = errors.New("donneur: record is still being written")
)

// MutationError reports an optimistic write that failed and was rolled back.
// The local cache is already back in its previous state when callers see it.
type MutationError struct {
	Op  string
	ID  string
	Err error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}
