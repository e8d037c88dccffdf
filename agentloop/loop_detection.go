package agentloop

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/martinemde/ralph/conversation"
)

// toolCallSignature computes a deterministic signature for a tool call
// (name + hash of arguments).
func toolCallSignature(name string, arguments json.RawMessage) string {
	h := sha256.Sum256(arguments)
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// extractToolCallSignatures returns the signatures of the last count tool
// calls in the transcript, oldest first.
func extractToolCallSignatures(transcript []conversation.Message, count int) []string {
	var sigs []string
	for i := len(transcript) - 1; i >= 0 && len(sigs) < count; i-- {
		m := transcript[i]
		if !m.HasToolCalls() {
			continue
		}
		for j := len(m.ToolCalls) - 1; j >= 0 && len(sigs) < count; j-- {
			tc := m.ToolCalls[j]
			sigs = append(sigs, toolCallSignature(tc.Name, tc.Arguments))
		}
	}
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

// DetectLoop checks if the last windowSize tool calls follow a repeating
// pattern of length 1, 2, or 3.
func DetectLoop(transcript []conversation.Message, windowSize int) bool {
	if windowSize <= 1 {
		return false
	}
	sigs := extractToolCallSignatures(transcript, windowSize)
	if len(sigs) < windowSize {
		return false
	}

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if windowSize%patternLen != 0 || patternLen >= windowSize {
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
