// Package checkpoint decorates errors with the file and line of the caller,
// building something similar to a stacktrace out of ordinary wrapped errors.
// Every error attached to a checkpoint stays visible to errors.Is and
// errors.As.
package checkpoint

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strings"
)

// From wraps err in a checkpoint carrying the caller's position.
// It returns nil if err is nil.
func From(err error) error {
	// io.EOF and io.ErrUnexpectedEOF must keep their identity.
	// https://github.com/golang/go/issues/39155
	if err == nil || err == io.EOF || err == io.ErrUnexpectedEOF {
		return err
	}
	return newPoint(err, nil)
}

// Wrap adds a checkpoint around cause and attaches hint as an additional
// error describing the checkpoint. It returns nil if cause is nil.
//
// hint is typically a predeclared sentinel:
//
//	var ErrRead = errors.New("block read failed")
//
//	if err := dev.ReadBlock(buf, lba); err != nil {
//		return checkpoint.Wrap(err, ErrRead)
//	}
//
// Callers can then match either the sentinel or the original cause:
//
//	errors.Is(err, ErrRead)
func Wrap(cause, hint error) error {
	if cause == nil || cause == io.EOF {
		return cause
	}
	return newPoint(hint, cause)
}

func newPoint(err, prev error) error {
	// Skip newPoint and the exported entry function.
	_, file, line, ok := runtime.Caller(2)
	return &point{
		err:      err,
		prev:     prev,
		callerOk: ok,
		file:     filepath.Base(file),
		line:     line,
	}
}

type point struct {
	err  error
	prev error

	callerOk bool
	file     string
	line     int
}

func (p *point) Error() string {
	at := "unknown"
	if p.callerOk {
		at = fmt.Sprintf("%s:%d", p.file, p.line)
	}
	if p.prev == nil {
		return fmt.Sprintf("at %s: %v", at, p.err)
	}

	prev := p.prev.Error()
	if _, ok := p.prev.(*point); !ok {
		prev = "\t" + strings.ReplaceAll(prev, "\n", "\n\t")
	}
	if p.err == nil {
		return fmt.Sprintf("at %s:\n%v", at, prev)
	}
	return fmt.Sprintf("at %s: %v\n%v", at, p.err, prev)
}

func (p *point) Unwrap() error {
	return p.prev
}

func (p *point) Is(target error) bool {
	return errors.Is(p.err, target)
}

func (p *point) As(target interface{}) bool {
	return p.err != nil && errors.As(p.err, target)
}
