// Package invariant defines the fatal-error type that separates a bug in
// the broadcast engine's own bookkeeping (positions going backwards, a
// delivered certificate disappearing) from the ordinary, recoverable error
// kinds in types/errors.go. A Violation is never returned; it is panicked,
// and only the process boundary in cmd/ recovers it.
package invariant

import "fmt"

// Violation is panicked when an invariant the store or broadcast state
// machine depends on no longer holds. Recovering anywhere other than the
// process boundary would let the node keep running against data it can no
// longer trust.
type Violation struct {
	What string
	Args []any
}

func (v *Violation) Error() string {
	if len(v.Args) == 0 {
		return v.What
	}
	return fmt.Sprintf("%s: %v", v.What, v.Args)
}

// Raise panics with a Violation built from what and the given context pairs.
func Raise(what string, args ...any) {
	panic(&Violation{What: what, Args: args})
}
