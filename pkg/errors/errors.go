// Package errors defines error kinds of kjobs and a wrapper recording where an error passed.
//
// Wrap an error on its way up:
//
//	if err != nil {
//		return xe.WrapWithNote("render job of "+name, err)
//	}
//
// Each wrapper adds "func:line" of the call site to the message, so a message lists
// the path of the error from the outermost wrapper to the root cause, separated with " | ".
package errors

import (
	"errors"
	"fmt"
	"path"
	"runtime"
)

// Site is a location in source code.
type Site struct {
	Func string
	File string
	Line int
}

func (s Site) String() string {
	return fmt.Sprintf("%s:%d", path.Base(s.Func), s.Line)
}

// Traced is an error annotated with the site where it is wrapped.
type Traced struct {
	Site Site
	Note string
	err  error
}

func (t *Traced) Error() string {
	if t.Note == "" {
		return fmt.Sprintf("%s | %s", t.Site, t.err)
	}
	return fmt.Sprintf("%s (%s) | %s", t.Site, t.Note, t.err)
}

func (t *Traced) Unwrap() error {
	return t.err
}

// New creates an error with text, traced at the caller.
func New(text string) error {
	return wrapAt(errors.New(text), "", 1)
}

// Wrap traces err at the caller. Wrap(nil) is nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return wrapAt(err, "", 1)
}

// WrapWithNote traces err at the caller with a note. It returns nil for nil err.
func WrapWithNote(note string, err error) error {
	if err == nil {
		return nil
	}
	return wrapAt(err, note, 1)
}

// wrapAt traces err at the site skip frames above its caller.
func wrapAt(err error, note string, skip int) error {
	site := Site{Func: "?", File: "?", Line: -1}
	if pc, file, line, ok := runtime.Caller(skip + 1); ok {
		site.File, site.Line = file, line
		if fn := runtime.FuncForPC(pc); fn != nil {
			site.Func = fn.Name()
		}
	}
	return &Traced{Site: site, Note: note, err: err}
}
