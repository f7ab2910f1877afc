package batch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/gc3pie/gc3core/internal/task"
)

func init() {
	Register("lsf", func() Flavour { return lsfFlavour{} })
}

type lsfFlavour struct{}

func (lsfFlavour) Name() string { return "lsf" }

func (lsfFlavour) RenderScript(t *task.Task, p Prologue, workDir string) string {
	header := "#!/bin/sh\n" +
		fmt.Sprintf("#BSUB -J %s\n", jobName(t)) +
		"#BSUB -cwd " + shellQuote(workDir) + "\n"
	if t.Spec.Requirements.Cores > 1 {
		header += fmt.Sprintf("#BSUB -n %d\n", t.Spec.Requirements.Cores)
	}
	header += envLines(t)
	return renderGeneric(header, buildCommandLine(t), p, t.Spec.Requirements.Tags)
}

func (lsfFlavour) SubmitCommand(workDir, scriptPath string) (string, func(string) (string, error)) {
	cmd := fmt.Sprintf("cd %s && bsub < %s", shellQuote(workDir), shellQuote(scriptPath))
	return cmd, func(stdout string) (string, error) {
		// bsub prints e.g. "Job <1234> is submitted to queue <normal>."
		m := lsfSubmittedRE.FindStringSubmatch(stdout)
		if m == nil {
			return "", fmt.Errorf("lsf: could not parse job id from bsub output %q", stdout)
		}
		return m[1], nil
	}
}

var lsfSubmittedRE = regexp.MustCompile(`Job <(\d+)>`)

func (lsfFlavour) LiveQueueCommand(jobID string) string {
	return fmt.Sprintf("bjobs -w %s 2>/dev/null", shellQuote(jobID))
}

func (lsfFlavour) AccountingCommand(jobID string) string {
	return fmt.Sprintf("bacct -l %s 2>/dev/null", shellQuote(jobID))
}

func (lsfFlavour) CancelCommand(jobID string) string {
	return fmt.Sprintf("bkill %s", shellQuote(jobID))
}

// ParseLiveQueue handles bjobs -w output, whose columns wrap onto a
// second line once STAT is long-form or JOB_NAME is long; unwrapLSF
// rejoins continuation lines before column-splitting (a known bjobs
// quirk on older LSF releases).
func (lsfFlavour) ParseLiveQueue(stdout string) (task.State, bool, error) {
	lines := unwrapLSF(stdout)
	if len(lines) < 2 {
		return task.State(0), false, nil
	}
	fields := strings.Fields(lines[1])
	if len(fields) < 3 {
		return task.State(0), false, nil
	}
	switch fields[2] {
	case "PEND", "PSUSP":
		return task.StateSubmitted, true, nil
	case "RUN", "USUSP", "SSUSP":
		return task.StateRunning, true, nil
	case "DONE", "EXIT":
		return task.StateTerminating, true, nil
	default:
		return task.StateRunning, true, nil
	}
}

// unwrapLSF rejoins a bjobs continuation line (one that begins with
// whitespace and has no job id in its first column) onto its
// predecessor.
func unwrapLSF(stdout string) []string {
	raw := strings.Split(strings.TrimRight(stdout, "\n"), "\n")
	var out []string
	for _, line := range raw {
		if len(out) > 0 && (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) {
			out[len(out)-1] += " " + strings.TrimSpace(line)
			continue
		}
		out = append(out, line)
	}
	return out
}

var lsfExitRE = regexp.MustCompile(`Exited with exit code (\d+)`)
var lsfDoneRE = regexp.MustCompile(`Done successfully`)
var lsfWallRE = regexp.MustCompile(`TURNAROUND TIME\s*:\s*(\d+)`)

func (lsfFlavour) ParseAccounting(stdout string) (task.ReturnCode, task.Usage, bool, error) {
	if strings.TrimSpace(stdout) == "" {
		return 0, task.Usage{}, false, nil
	}
	var usage task.Usage
	if wm := lsfWallRE.FindStringSubmatch(stdout); wm != nil {
		secs, _ := strconv.Atoi(wm[1])
		usage.Walltime = secondsToDuration(secs)
	}
	if m := lsfExitRE.FindStringSubmatch(stdout); m != nil {
		code, _ := strconv.Atoi(m[1])
		return task.NewExitCode(code), usage, true, nil
	}
	if lsfDoneRE.MatchString(stdout) {
		return task.NewExitCode(0), usage, true, nil
	}
	return 0, task.Usage{}, false, nil
}
