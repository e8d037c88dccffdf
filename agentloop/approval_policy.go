package agentloop

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ApprovalPolicy is the external description of which tools need a human
// decision.
//
//	protected_tools:
//	  - create_campaign
//	  - send_campaign_email
type ApprovalPolicy struct {
	ProtectedTools []string `yaml:"protected_tools"`
}

// ParseApprovalPolicy decodes a yaml policy document.
func ParseApprovalPolicy(data []byte) (ApprovalPolicy, error) {
	var p ApprovalPolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return ApprovalPolicy{}, fmt.Errorf("parse approval policy: %w", err)
	}
	seen := make(map[string]bool, len(p.ProtectedTools))
	out := p.ProtectedTools[:0]
	for _, name := range p.ProtectedTools {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	p.ProtectedTools = out
	return p, nil
}

// LoadApprovalPolicy reads a yaml policy file.
func LoadApprovalPolicy(path string) (ApprovalPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ApprovalPolicy{}, fmt.Errorf("read approval policy: %w", err)
	}
	return ParseApprovalPolicy(data)
}

// Merge returns a policy protecting the tools of both p and other.
func (p ApprovalPolicy) Merge(other ApprovalPolicy) ApprovalPolicy {
	seen := make(map[string]bool)
	var out []string
	for _, name := range append(append([]string(nil), p.ProtectedTools...), other.ProtectedTools...) {
		if name = strings.TrimSpace(name); name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return ApprovalPolicy{ProtectedTools: out}
}
