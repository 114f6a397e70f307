package soul

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/yumesha/kimi-cli/history"
)

// callSignature computes a deterministic signature for a tool call:
// name plus a hash of its arguments.
func callSignature(name string, arguments json.RawMessage) string {
	h := sha256.Sum256(arguments)
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// recentCallSignatures extracts the signatures of the most recent count
// tool calls from the log, in chronological order.
func recentCallSignatures(entries []history.Entry, count int) []string {
	var sigs []string
	for i := len(entries) - 1; i >= 0 && len(sigs) < count; i-- {
		e := entries[i]
		if e.Kind != history.KindAssistant || e.Assistant == nil {
			continue
		}
		for j := len(e.Assistant.ToolCalls) - 1; j >= 0 && len(sigs) < count; j-- {
			tc := e.Assistant.ToolCalls[j]
			sigs = append(sigs, callSignature(tc.Name, tc.Arguments))
		}
	}
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

// DetectLoop reports whether the last windowSize tool calls follow a
// repeating pattern of length 1, 2, or 3. Fewer calls than the window
// never trigger.
func DetectLoop(entries []history.Entry, windowSize int) bool {
	if windowSize <= 0 {
		return false
	}
	sigs := recentCallSignatures(entries, windowSize)
	if len(sigs) < windowSize {
		return false
	}

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if windowSize%patternLen != 0 {
			continue
		}
		pattern := sigs[:patternLen]
		allMatch := true
		for i := patternLen; i < windowSize && allMatch; i += patternLen {
			for j := 0; j < patternLen; j++ {
				if sigs[i+j] != pattern[j] {
					allMatch = false
					break
				}
			}
		}
		if allMatch {
			return true
		}
	}

	return false
}
