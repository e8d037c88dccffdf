package agentloop

import (
	"fmt"
	"os"
	"strings"
	"time"
)

const maxInstructionBytes = 32 * 1024 // 32KB

// PromptContext is the input of BuildSystemPrompt.
type PromptContext struct {
	Base         string
	Model        string
	Tools        []ToolDefinition
	Protected    func(name string) bool
	AutoApprove  bool
	Instructions string
	Now          time.Time
}

// BuildSystemPrompt assembles the system prompt: the base text, an
// environment block, the available tools with their approval requirement,
// and user instructions last.
func BuildSystemPrompt(pc PromptContext) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(pc.Base))
	sb.WriteString("\n\n")
	sb.WriteString(buildEnvironmentContext(pc))

	if len(pc.Tools) > 0 {
		sb.WriteString("\n\n# Tools\n\n")
		for _, t := range pc.Tools {
			fmt.Fprintf(&sb, "- %s: %s", t.Name, strings.TrimSpace(t.Description))
			if pc.Protected != nil && pc.Protected(t.Name) && !pc.AutoApprove {
				sb.WriteString(" (requires user approval before it runs)")
			}
			sb.WriteString("\n")
		}
	}

	if instr := strings.TrimSpace(pc.Instructions); instr != "" {
		sb.WriteString("\n# User Instructions\n\n")
		sb.WriteString(instr)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

func buildEnvironmentContext(pc PromptContext) string {
	now := pc.Now
	if now.IsZero() {
		now = time.Now()
	}
	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Today's date: %s\n", now.Format("2006-01-02"))
	if pc.Model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", pc.Model)
	}
	fmt.Fprintf(&sb, "Auto-approve: %v\n", pc.AutoApprove)
	sb.WriteString("</environment>")
	return sb.String()
}

// LoadInstructions reads a user instruction file, capped at 32KB. A missing
// file yields an empty string.
func LoadInstructions(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", nil
	}
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read instructions: %w", err)
	}
	text := string(content)
	if len(text) > maxInstructionBytes {
		text = text[:maxInstructionBytes] + "\n[Instructions truncated at 32KB]"
	}
	return text, nil
}
