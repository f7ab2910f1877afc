package logger

import (
	"io"
	"os"
)

// Tee duplicates process-wide log output into a file, used to give
// each Session its own on-disk log in addition to the operator's
// console output.
type Tee struct {
	Writer io.Writer
	path   string
	file   *os.File
}

// NewTee creates a Tee that will open path on Open.
func NewTee(path string) *Tee { return &Tee{path: path} }

// Open creates the backing file, or opens an existing one for appending.
func (t *Tee) Open() error {
	if t.Writer != nil {
		return nil // already bound to an explicit writer (tests)
	}
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	t.file = f
	t.Writer = f
	return nil
}

// Write implements io.Writer.
func (t *Tee) Write(p []byte) (int, error) { return t.Writer.Write(p) }

// Close closes the backing file, if one was opened.
func (t *Tee) Close() error {
	if t.file != nil {
		return t.file.Close()
	}
	return nil
}
