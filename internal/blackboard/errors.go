package blackboard

import "fmt"

// MissingKeyError is returned when reading a key that has not been written.
type MissingKeyError struct {
	Key string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("blackboard key %q is not set", e.Key)
}

// TypeMismatchError is returned when a key holds a different kind than the
// reader expects.
type TypeMismatchError struct {
	Key  string
	Want Kind
	Got  Kind
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("blackboard key %q holds %s, want %s", e.Key, e.Got, e.Want)
}
