package batch

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gc3pie/gc3core/internal/task"
	"github.com/gc3pie/gc3core/internal/transport"
)

func secondsToDuration(s int) time.Duration { return time.Duration(s) * time.Second }

// buildCommandLine renders the task's command, arguments, and I/O
// redirections as a single POSIX shell line, shared by every flavour's
// script renderer.
func buildCommandLine(t *task.Task) string {
	line := shellQuote(t.Spec.Command)
	for _, a := range t.Spec.Args {
		line += " " + shellQuote(a)
	}
	if t.Spec.Stdin != "" {
		line += " <" + shellQuote(t.Spec.Stdin)
	}
	if t.Spec.Stdout != "" {
		line += " >" + shellQuote(t.Spec.Stdout)
	}
	if t.Spec.JoinStderr {
		line += " 2>&1"
	} else if t.Spec.Stderr != "" {
		line += " 2>" + shellQuote(t.Spec.Stderr)
	}
	return line
}

func envLines(t *task.Task) string {
	var s string
	for k, v := range t.Spec.Env {
		s += fmt.Sprintf("export %s=%s\n", k, shellQuote(v))
	}
	return s
}

// putScript writes content to a temporary local file, then transfers it
// to path over tr, mirroring the same local-stage-then-Put idiom used
// by internal/adapter/shell for wrapper scripts.
func putScript(ctx context.Context, tr transport.Transport, path, content string) error {
	tmp, err := os.CreateTemp("", "gc3-batch-*.sh")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()
	return tr.Put(ctx, tmp.Name(), path)
}

// renderGeneric assembles the common body shared by every flavour's
// script: prologue-global, prologue-per-tag (matched against the
// task's own Tags), prologue-inline, the user command, then the three
// epilogue layers in the same order (spec.md §4.2 point 1).
func renderGeneric(header, userCmd string, p Prologue, tags []string) string {
	var b []byte
	add := func(s string) {
		if s == "" {
			return
		}
		b = append(b, s...)
		if s[len(s)-1] != '\n' {
			b = append(b, '\n')
		}
	}

	add(header)
	add(p.Global)
	for _, tag := range tags {
		add(p.PerTag[tag])
	}
	add(p.Inline)
	add(userCmd)
	add(p.Epilogue.Global)
	for _, tag := range tags {
		add(p.Epilogue.PerTag[tag])
	}
	add(p.Epilogue.Inline)
	return string(b)
}
