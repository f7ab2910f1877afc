// Package transport abstracts "run a shell command / copy a file /
// list a directory" over a local process or an SSH-tunnelled remote
// host (spec.md §4.1).
package transport

import (
	"context"
	"io"
	"time"
)

// CommandResult is the outcome of Run.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Signal   int // 0 if the process exited normally
}

// FileInfo describes one entry of a ListDir result.
type FileInfo struct {
	Name  string
	Size  int64
	IsDir bool
	Mode  uint32
}

// Transport is the uniform capability set both the local and SSH
// variants implement (spec.md §4.1). It does not interpret command
// output — callers (BatchAdapter/ShellAdapter) own parsing.
type Transport interface {
	// Run executes command, optionally feeding stdin, and blocks until
	// it exits or ctx is canceled.
	Run(ctx context.Context, command string, stdin io.Reader) (CommandResult, error)
	// Get copies remotePath to localPath.
	Get(ctx context.Context, remotePath, localPath string) error
	// Put copies localPath to remotePath.
	Put(ctx context.Context, localPath, remotePath string) error
	// ListDir lists the entries of a directory.
	ListDir(ctx context.Context, path string) ([]FileInfo, error)
	// Remove deletes a file or (recursively) a directory.
	Remove(ctx context.Context, path string) error
	// Open must be called before first use; it is idempotent for
	// implementations that lazily (re)connect.
	Open(ctx context.Context) error
	// Close releases any held connection/session resources.
	Close() error
}

// Config carries the common dials every Transport honours.
type Config struct {
	ConnectTimeout time.Duration
}
