package shell

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gc3pie/gc3core/internal/quantity"
	"github.com/gc3pie/gc3core/internal/stage"
	"github.com/gc3pie/gc3core/internal/task"
	"github.com/gc3pie/gc3core/internal/transport"
)

// timeReportName is the file the wrapper asks /usr/bin/time to write
// its "-v" (verbose, GNU-coreutils-style) accounting report to, read
// back by parseTimeReport once the wrapped command exits.
const timeReportName = ".gc3.time"

// renderWrapperScript produces the POSIX shell script that runs the
// task's own command under `/usr/bin/time -v` accounting and writes a
// machine-parseable status line to .gc3.exitstatus on exit, whatever
// the command's own outcome (spec.md §6: "each submitted task is
// wrapped with a time/usage wrapper whose output is parsed to
// populate resource usage"). /usr/bin/time runs wherever the command
// itself runs — local host or remote SSH target alike — so its report
// is readable the same way the exit-status sidecar is, unlike a
// gopsutil sample that only works against a locally-visible pid.
func renderWrapperScript(t *task.Task, workDir string) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString("cd " + shellQuote(workDir) + " || exit 1\n")
	for k, v := range t.Spec.Env {
		b.WriteString(fmt.Sprintf("export %s=%s\n", k, shellQuote(v)))
	}

	redirect := ""
	if t.Spec.Stdout != "" {
		redirect += " >" + shellQuote(t.Spec.Stdout)
	}
	if t.Spec.JoinStderr {
		redirect += " 2>&1"
	} else if t.Spec.Stderr != "" {
		redirect += " 2>" + shellQuote(t.Spec.Stderr)
	}
	stdin := ""
	if t.Spec.Stdin != "" {
		stdin = " <" + shellQuote(t.Spec.Stdin)
	}

	cmdLine := shellQuote(t.Spec.Command)
	for _, a := range t.Spec.Args {
		cmdLine += " " + shellQuote(a)
	}

	b.WriteString("__gc3_start=$(date +%s)\n")
	b.WriteString("/usr/bin/time -v -o " + shellQuote(timeReportName) + " -- " + cmdLine + stdin + redirect + "\n")
	b.WriteString("__gc3_code=$?\n")
	b.WriteString("__gc3_end=$(date +%s)\n")
	b.WriteString(`echo "exit=${__gc3_code} wall=$((__gc3_end-__gc3_start))" > .gc3.exitstatus` + "\n")
	return b.String()
}

func writeRemoteScript(ctx context.Context, t transport.Transport, path, content string) error {
	tmp, err := os.CreateTemp("", "gc3-wrapper-*.sh")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()
	return t.Put(ctx, tmp.Name(), path)
}

// parseWrapperStatus parses the "exit=N wall=S" line written by
// renderWrapperScript's trailer into a ReturnCode and Usage.
func parseWrapperStatus(line string) (task.ReturnCode, task.Usage, error) {
	fields := strings.Fields(line)
	var exitCode int
	var wallSeconds int
	for _, f := range fields {
		kv := strings.SplitN(f, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "exit":
			exitCode, _ = strconv.Atoi(kv[1])
		case "wall":
			wallSeconds, _ = strconv.Atoi(kv[1])
		}
	}
	usage := task.Usage{
		Walltime: time.Duration(wallSeconds) * time.Second,
	}
	return task.NewExitCode(exitCode), usage, nil
}

// parseTimeReport parses the GNU `/usr/bin/time -v` report written to
// the wrapper's timeReportName sidecar, extracting the two fields
// §3/§4.5 ask the run record to carry: used cpu-time (user+sys) and
// memory high-water mark. ok is false if report does not look like a
// time -v report at all (e.g. /usr/bin/time is missing on this host
// and the sidecar was never written), in which case the caller leaves
// Usage.CPUTime/MaxRSS unset rather than reporting a bogus zero.
func parseTimeReport(report string) (cpuTime time.Duration, maxRSS quantity.Quantity, ok bool) {
	var userSeconds, sysSeconds float64
	var haveUser, haveSys, haveRSS bool
	for _, line := range strings.Split(report, "\n") {
		line = strings.TrimSpace(line)
		key, val, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		switch {
		case strings.HasPrefix(key, "User time"):
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				userSeconds = f
				haveUser = true
			}
		case strings.HasPrefix(key, "System time"):
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				sysSeconds = f
				haveSys = true
			}
		case strings.HasPrefix(key, "Maximum resident set size"):
			if kb, err := strconv.ParseFloat(val, 64); err == nil {
				maxRSS = quantity.MustNew(kb, "kB")
				haveRSS = true
			}
		}
	}
	if !haveUser && !haveSys && !haveRSS {
		return 0, quantity.Quantity{}, false
	}
	cpuTime = time.Duration((userSeconds + sysSeconds) * float64(time.Second))
	return cpuTime, maxRSS, true
}

func stageInput(ctx context.Context, tr transport.Transport, stg *stage.Stager, in task.IOMapping, workDir string) error {
	dest := filepath.Join(workDir, in.Dest)
	if local, ok := strings.CutPrefix(in.Source, "file://"); ok {
		return tr.Put(ctx, local, dest)
	}
	if stage.Remote(in.Source) {
		if stg == nil {
			return fmt.Errorf("shell: remote input %q but no stage.Stager configured", in.Source)
		}
		local, err := stg.FetchInput(ctx, in.Source)
		if err != nil {
			return err
		}
		return tr.Put(ctx, local, dest)
	}
	return tr.Put(ctx, in.Source, dest)
}

func fetchOneOutput(ctx context.Context, tr transport.Transport, stg *stage.Stager, remotePath, destURL, localDir string) error {
	if local, ok := strings.CutPrefix(destURL, "file://"); ok {
		return tr.Get(ctx, remotePath, local)
	}
	if stage.Remote(destURL) {
		if stg == nil {
			return fmt.Errorf("shell: remote output %q but no stage.Stager configured", destURL)
		}
		local := filepath.Join(localDir, filepath.Base(remotePath))
		if err := tr.Get(ctx, remotePath, local); err != nil {
			return err
		}
		return stg.PublishOutput(ctx, local, destURL)
	}
	return tr.Get(ctx, remotePath, filepath.Join(localDir, destURL))
}
