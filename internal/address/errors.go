package address

import (
	"errors"
	"fmt"
)

// ErrSyntax is matched by every *SyntaxError.
var ErrSyntax = errors.New("fedfs: address syntax error")

// SyntaxError reports a malformed scheme, mount point, path or entry name.
// It is always a client programming error.
type SyntaxError struct {
	Input  string
	Reason string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("fedfs: invalid address %q: %s", e.Input, e.Reason)
}

// Is reports whether target is ErrSyntax.
func (e *SyntaxError) Is(target error) bool {
	return target == ErrSyntax
}

func syntaxError(input, reason string) error {
	return &SyntaxError{Input: input, Reason: reason}
}
