// Package procmatch decides whether a live process belongs to a server
// descriptor. It is a pure function over a process-table snapshot so
// liveness heuristics can be tested against synthetic command lines.
package procmatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/arkvisor/arkvisor/internal/config"
	"github.com/arkvisor/arkvisor/internal/oscmd"
)

// ErrNoMatch reports that no process in the snapshot matched the
// descriptor on any priority level.
var ErrNoMatch = errors.New("no process matched descriptor")

// ErrAmbiguousMatch reports that more than one process matched at the
// deciding priority level. Two descriptors sharing a port due to
// misconfiguration produce this rather than a silent arbitrary pick.
var ErrAmbiguousMatch = errors.New("multiple processes matched descriptor")

// AmbiguousMatchError carries the candidates behind ErrAmbiguousMatch
type AmbiguousMatchError struct {
	Level string
	PIDs  []int
}

func (e *AmbiguousMatchError) Error() string {
	return fmt.Sprintf("multiple processes matched descriptor on %s: pids %v", e.Level, e.PIDs)
}

func (e *AmbiguousMatchError) Unwrap() error { return ErrAmbiguousMatch }

// Identify matches a process-table snapshot against a descriptor and
// returns the pid of the matching process. Priority order: external or
// game port, query port, RCON port, session name, install path. The
// first level with any candidates decides; later levels are never
// consulted once one level matches.
func Identify(desc *config.Descriptor, procs []oscmd.Process) (int, error) {
	levels := []struct {
		name  string
		match func(cmdline string) bool
	}{
		{"game port", func(cmdline string) bool {
			if desc.Ports.External > 0 && hasPortToken(cmdline, "Port", desc.Ports.External) {
				return true
			}
			return hasPortToken(cmdline, "Port", desc.Ports.Game)
		}},
		{"query port", func(cmdline string) bool {
			return hasPortToken(cmdline, "QueryPort", desc.Ports.Query)
		}},
		{"rcon port", func(cmdline string) bool {
			return hasPortToken(cmdline, "RCONPort", desc.Ports.RCON)
		}},
		{"session name", func(cmdline string) bool {
			return hasNameToken(cmdline, desc.SessionName())
		}},
		{"install path", func(cmdline string) bool {
			dir := desc.Paths.InstallDir
			return dir != "" && strings.Contains(cmdline, dir)
		}},
	}

	for _, level := range levels {
		var pids []int
		for _, p := range procs {
			if level.match(p.CommandLine) {
				pids = append(pids, p.PID)
			}
		}
		switch len(pids) {
		case 0:
			continue
		case 1:
			return pids[0], nil
		default:
			return 0, &AmbiguousMatchError{Level: level.name, PIDs: pids}
		}
	}

	return 0, ErrNoMatch
}

// hasPortToken reports whether cmdline contains key=port as a whole
// token. Boundaries matter twice over: Port=7777 must not match inside
// Port=77770, and searching for Port= must not land on QueryPort=.
func hasPortToken(cmdline, key string, port int) bool {
	if port <= 0 {
		return false
	}
	return hasToken(cmdline, fmt.Sprintf("%s=%d", key, port))
}

// hasNameToken reports whether cmdline carries the session name as a
// whole SessionName= token.
func hasNameToken(cmdline, name string) bool {
	if name == "" {
		return false
	}
	return hasToken(cmdline, "SessionName="+name)
}

func hasToken(cmdline, token string) bool {
	haystack := strings.ToLower(cmdline)
	needle := strings.ToLower(token)

	for from := 0; ; {
		i := strings.Index(haystack[from:], needle)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(needle)

		beforeOK := start == 0 || isBoundary(haystack[start-1])
		afterOK := end == len(haystack) || isBoundary(haystack[end])
		if beforeOK && afterOK {
			return true
		}
		from = start + 1
	}
}

// Launch-line tokens are separated by '?' inside the map argument and
// by whitespace between arguments.
func isBoundary(c byte) bool {
	return c == '?' || c == ' ' || c == '\t'
}
