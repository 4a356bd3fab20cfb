package common

import (
	"errors"
	"fmt"
)

var (
	ErrReadOnly = errors.New("read-only file system")
	ErrNoSpace  = errors.New("no space left on device")
	ErrNotFound = errors.New("no such inode")
	ErrExists   = errors.New("inode exists")
	ErrIO       = errors.New("i/o error")
	ErrFailed   = errors.New("file system failed")
)

// InvariantError is the panic value raised when on-disk or in-memory
// state is found to be inconsistent. The lfs package recovers it at its
// API boundary and fails the file system.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return "invariant violated: " + e.Msg
}

func Panicf(format string, a ...interface{}) {
	panic(&InvariantError{Msg: fmt.Sprintf(format, a...)})
}

func Assert(cond bool, format string, a ...interface{}) {
	if !cond {
		Panicf(format, a...)
	}
}

// RecoverInvariant turns an InvariantError panic into *err. Other panics
// are re-raised. Use as `defer common.RecoverInvariant(&err)`.
func RecoverInvariant(err *error) {
	r := recover()
	if r == nil {
		return
	}
	ie, ok := r.(*InvariantError)
	if !ok {
		panic(r)
	}
	*err = ie
}
