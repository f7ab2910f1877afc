package batch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/gc3pie/gc3core/internal/task"
)

func init() {
	Register("sge", func() Flavour { return sgeFlavour{} })
}

type sgeFlavour struct{}

func (sgeFlavour) Name() string { return "sge" }

func (sgeFlavour) RenderScript(t *task.Task, p Prologue, workDir string) string {
	header := "#!/bin/sh\n" +
		"#$ -cwd\n" +
		fmt.Sprintf("#$ -N %s\n", jobName(t)) +
		"#$ -j y\n"
	if t.Spec.Requirements.Cores > 1 {
		header += fmt.Sprintf("#$ -pe smp %d\n", t.Spec.Requirements.Cores)
	}
	header += envLines(t)
	return renderGeneric(header, buildCommandLine(t), p, t.Spec.Requirements.Tags)
}

func (sgeFlavour) SubmitCommand(workDir, scriptPath string) (string, func(string) (string, error)) {
	cmd := fmt.Sprintf("cd %s && qsub -terse %s", shellQuote(workDir), shellQuote(scriptPath))
	return cmd, func(stdout string) (string, error) {
		id := strings.TrimSpace(stdout)
		if id == "" {
			return "", fmt.Errorf("sge: empty qsub -terse output")
		}
		return id, nil
	}
}

func (sgeFlavour) LiveQueueCommand(jobID string) string {
	return fmt.Sprintf("qstat -j %s 2>/dev/null", shellQuote(jobID))
}

func (sgeFlavour) AccountingCommand(jobID string) string {
	return fmt.Sprintf("qacct -j %s 2>/dev/null", shellQuote(jobID))
}

func (sgeFlavour) CancelCommand(jobID string) string {
	return fmt.Sprintf("qdel %s", shellQuote(jobID))
}

var sgeStateRE = regexp.MustCompile(`(?m)^\s*job_state\s+(\S+)`)

func (sgeFlavour) ParseLiveQueue(stdout string) (task.State, bool, error) {
	if strings.TrimSpace(stdout) == "" {
		return task.State(0), false, nil
	}
	m := sgeStateRE.FindStringSubmatch(stdout)
	if m == nil {
		// qstat -j prints a banner for running/pending jobs regardless
		// of a parseable job_state line; treat any non-empty output as
		// "still in the live queue, running".
		return task.StateRunning, true, nil
	}
	switch m[1] {
	case "qw", "hqw", "t":
		return task.StateSubmitted, true, nil
	default:
		return task.StateRunning, true, nil
	}
}

var (
	sgeExitRE = regexp.MustCompile(`(?m)^exit_status\s+(\d+)`)
	sgeWallRE = regexp.MustCompile(`(?m)^ru_wallclock\s+(\d+)`)
)

func (sgeFlavour) ParseAccounting(stdout string) (task.ReturnCode, task.Usage, bool, error) {
	if strings.TrimSpace(stdout) == "" {
		return 0, task.Usage{}, false, nil
	}
	m := sgeExitRE.FindStringSubmatch(stdout)
	if m == nil {
		return 0, task.Usage{}, false, nil
	}
	code, _ := strconv.Atoi(m[1])
	var usage task.Usage
	if wm := sgeWallRE.FindStringSubmatch(stdout); wm != nil {
		secs, _ := strconv.Atoi(wm[1])
		usage.Walltime = secondsToDuration(secs)
	}
	return task.NewExitCode(code), usage, true, nil
}

func jobName(t *task.Task) string {
	n := strings.Map(func(r rune) rune {
		if r == ' ' || r == '/' {
			return '_'
		}
		return r
	}, t.Name)
	if n == "" {
		return "gc3task"
	}
	return n
}
