package shell

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gc3pie/gc3core/internal/quantity"
)

func TestParseTimeReport(t *testing.T) {
	report := `	Command being timed: "sleep 1"
	User time (seconds): 0.01
	System time (seconds): 0.02
	Percent of CPU this job got: 2%
	Elapsed (wall clock) time (h:mm:ss or m:ss): 0:01.03
	Maximum resident set size (kbytes): 2048
	Exit status: 0`

	cpu, maxRSS, ok := parseTimeReport(report)
	require.True(t, ok)
	require.Equal(t, 30*time.Millisecond, cpu)

	want := quantity.MustNew(2048, "kB")
	cmp, err := maxRSS.Cmp(want)
	require.NoError(t, err)
	require.Equal(t, 0, cmp)
}

func TestParseTimeReportMissing(t *testing.T) {
	_, _, ok := parseTimeReport("")
	require.False(t, ok)
}

func TestParseWrapperStatus(t *testing.T) {
	code, usage, err := parseWrapperStatus("exit=0 wall=5")
	require.NoError(t, err)
	require.True(t, code.Success())
	require.Equal(t, 5*time.Second, usage.Walltime)
}
