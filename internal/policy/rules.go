package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DomainRule maps a host pattern to a policy decision.
type DomainRule struct {
	Pattern  string   `yaml:"pattern"`
	Decision Decision `yaml:"decision"`
}

// ClassRule pins a host pattern to a URL class, overriding the heuristics.
type ClassRule struct {
	Pattern string   `yaml:"pattern"`
	Class   URLClass `yaml:"class"`
}

// Rules is the policy rule set, normally loaded from a YAML file at startup.
type Rules struct {
	Domains []DomainRule `yaml:"domains"`
	Classes []ClassRule  `yaml:"classes"`
}

// LoadRules reads a YAML rules file. An empty path yields an empty rule set
// (everything allowed, heuristic classification only).
func LoadRules(path string) (Rules, error) {
	if path == "" {
		return Rules{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("op=policy.LoadRules: %w", err)
	}
	var r Rules
	if err := yaml.Unmarshal(b, &r); err != nil {
		return Rules{}, fmt.Errorf("op=policy.LoadRules: %w", err)
	}
	return r, nil
}
