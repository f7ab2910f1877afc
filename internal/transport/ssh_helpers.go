package transport

import (
	"errors"
	"io"
	"os"
	"path"
	"strings"

	"golang.org/x/crypto/ssh"
)

// isAuthError heuristically distinguishes a rejected-credentials
// failure from a transient network one. spec.md §9's Open Question
// notes this classification is inherently heuristic and must remain
// overridable; extra lets a caller (wired from
// config.AuthConfig.ExtraAuthErrorPatterns) widen the match list with
// phrasing seen from a particular site's SSH gateway.
func isAuthError(err error, extra ...string) bool {
	msg := strings.ToLower(err.Error())
	needles := []string{"unable to authenticate", "permission denied", "no supported methods remain"}
	needles = append(needles, extra...)
	for _, needle := range needles {
		if strings.Contains(msg, strings.ToLower(needle)) {
			return true
		}
	}
	return false
}

func asExitError(err error, target **ssh.ExitError) bool {
	return errors.As(err, target)
}

// signalNumber maps the signal *names* ssh.ExitError reports (e.g.
// "KILL", "TERM") to POSIX numbers; unrecognized names map to 0.
var signalNumbers = map[string]int{
	"HUP": 1, "INT": 2, "QUIT": 3, "ILL": 4, "TRAP": 5, "ABRT": 6,
	"BUS": 7, "FPE": 8, "KILL": 9, "USR1": 10, "SEGV": 11, "USR2": 12,
	"PIPE": 13, "ALRM": 14, "TERM": 15,
}

func signalNumber(name string) int { return signalNumbers[name] }

func writeLocalFile(localPath string, src io.Reader) error {
	if err := os.MkdirAll(path.Dir(localPath), 0o755); err != nil {
		return err
	}
	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, src)
	return err
}

func openLocalFile(localPath string) (*os.File, error) {
	return os.Open(localPath)
}

func dirOf(p string) string { return path.Dir(p) }
