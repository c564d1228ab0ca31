// Package process launches, signals, probes and reaps service processes.
package process

import (
	"errors"
	"os/exec"
	"strings"
)

// ErrEmptyCommand is returned when a command line has no tokens.
var ErrEmptyCommand = errors.New("empty command")

// Spec is everything needed to launch one service process.
type Spec struct {
	Name    string   // service name, used for output files and logs
	Command string   // command line, split on whitespace
	Env     []string // full KEY=VALUE environment
	Dir     string
	User    string
	Group   string
}

// BuildCommand constructs an *exec.Cmd from a command line. Tokens are split
// on whitespace without quoting rules. A line that explicitly invokes a shell
// ("sh -c ...") keeps the script verbatim so its own quoting survives.
func BuildCommand(line string) (*exec.Cmd, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, ErrEmptyCommand
	}
	if shell, script, ok := parseExplicitShell(line); ok {
		// #nosec G204
		return exec.Command(shell, "-c", script), nil
	}
	parts := strings.Fields(line)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...), nil
}

// parseExplicitShell detects "sh -c <script>" style prefixes and returns the
// shell path and the script with one pair of surrounding quotes removed.
func parseExplicitShell(line string) (string, string, bool) {
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(line, p) {
			continue
		}
		after := strings.TrimSpace(line[len(p):])
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		shell := strings.Fields(p)[0]
		if shell == "sh" {
			shell = "/bin/sh"
		}
		return shell, after, true
	}
	return "", "", false
}
