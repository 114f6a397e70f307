package capability

import (
	"encoding/json"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/yumesha/kimi-cli/approval"
)

// pathArgKeys are the argument names capabilities use for filesystem
// targets. The guard inspects these and nothing else.
var pathArgKeys = []string{"file_path", "path"}

// PathGuard escalates calls whose path arguments fall inside
// operator-restricted zones. A session grant for an ordinary write never
// covers a restricted one: escalation changes the risk class, and grant
// keys include it.
type PathGuard struct {
	patterns []string
}

// NewPathGuard validates the glob patterns and builds a guard.
// Patterns use doublestar syntax, so "secrets/**" covers the whole tree.
func NewPathGuard(patterns []string) (*PathGuard, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid restricted-path pattern %q", p)
		}
	}
	return &PathGuard{patterns: patterns}, nil
}

// Restricted reports whether path matches any restricted pattern.
func (g *PathGuard) Restricted(path string) bool {
	if g == nil {
		return false
	}
	for _, pattern := range g.patterns {
		if ok, _ := doublestar.PathMatch(pattern, path); ok {
			return true
		}
	}
	return false
}

// Escalate returns meta raised to approval-required high risk when any
// path argument of the call is restricted. Unparseable arguments pass
// through unescalated; the executor will reject them anyway.
func (g *PathGuard) Escalate(meta Metadata, raw json.RawMessage) Metadata {
	if g == nil || len(g.patterns) == 0 {
		return meta
	}
	args, err := ParseArguments(raw)
	if err != nil {
		return meta
	}
	for _, key := range pathArgKeys {
		p, ok := StringArg(args, key)
		if !ok || p == "" {
			continue
		}
		if g.Restricted(p) {
			meta.Risk = approval.RiskHigh
			meta.RequiresApproval = true
			return meta
		}
	}
	return meta
}
