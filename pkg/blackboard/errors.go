package blackboard

import (
	"errors"

	"github.com/redis/go-redis/v9"
)

// ValidationError indicates malformed item or query input. It is always
// returned before any write happens.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// IsValidation returns true if the error is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ErrConflict is returned when an optimistic link-update transaction lost the
// race too many times in a row. Callers may retry the whole operation.
var ErrConflict = errors.New("blackboard: transaction conflict, retries exhausted")

// IsNotFound returns true if the error is a Redis "key not found" error
// (redis.Nil). Use this to check if Get or a typed lookup returned "not found".
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}
