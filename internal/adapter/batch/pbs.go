package batch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/gc3pie/gc3core/internal/task"
)

func init() {
	Register("pbs", func() Flavour { return pbsFlavour{} })
}

// pbsFlavour targets Torque/PBS Pro, whose qstat/qsub surface is close
// enough to share one implementation (spec.md §4.2's flavour list).
type pbsFlavour struct{}

func (pbsFlavour) Name() string { return "pbs" }

func (pbsFlavour) RenderScript(t *task.Task, p Prologue, workDir string) string {
	header := "#!/bin/sh\n" +
		fmt.Sprintf("#PBS -N %s\n", jobName(t)) +
		"#PBS -j oe\n"
	if t.Spec.Requirements.Cores > 1 {
		header += fmt.Sprintf("#PBS -l nodes=1:ppn=%d\n", t.Spec.Requirements.Cores)
	}
	header += "cd " + shellQuote(workDir) + " || exit 1\n"
	header += envLines(t)
	return renderGeneric(header, buildCommandLine(t), p, t.Spec.Requirements.Tags)
}

func (pbsFlavour) SubmitCommand(workDir, scriptPath string) (string, func(string) (string, error)) {
	cmd := fmt.Sprintf("cd %s && qsub %s", shellQuote(workDir), shellQuote(scriptPath))
	return cmd, func(stdout string) (string, error) {
		id := strings.TrimSpace(stdout)
		if id == "" {
			return "", fmt.Errorf("pbs: empty qsub output")
		}
		return id, nil
	}
}

func (pbsFlavour) LiveQueueCommand(jobID string) string {
	return fmt.Sprintf("qstat -f %s 2>/dev/null", shellQuote(jobID))
}

func (pbsFlavour) AccountingCommand(jobID string) string {
	return fmt.Sprintf("tracejob %s 2>/dev/null", shellQuote(jobID))
}

func (pbsFlavour) CancelCommand(jobID string) string {
	return fmt.Sprintf("qdel %s", shellQuote(jobID))
}

var pbsStateRE = regexp.MustCompile(`job_state\s*=\s*(\S)`)

func (pbsFlavour) ParseLiveQueue(stdout string) (task.State, bool, error) {
	m := pbsStateRE.FindStringSubmatch(stdout)
	if m == nil {
		return task.State(0), false, nil
	}
	switch m[1] {
	case "Q", "H", "W":
		return task.StateSubmitted, true, nil
	case "R", "E":
		return task.StateRunning, true, nil
	case "C":
		return task.StateTerminating, true, nil
	default:
		return task.StateRunning, true, nil
	}
}

var pbsExitRE = regexp.MustCompile(`Exit_status=(-?\d+)`)

func (pbsFlavour) ParseAccounting(stdout string) (task.ReturnCode, task.Usage, bool, error) {
	m := pbsExitRE.FindStringSubmatch(stdout)
	if m == nil {
		return 0, task.Usage{}, false, nil
	}
	code, _ := strconv.Atoi(m[1])
	return task.NewExitCode(code), task.Usage{}, true, nil
}
