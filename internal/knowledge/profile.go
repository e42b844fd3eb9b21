// Package knowledge holds the subject profile the assistant talks about: the background context
// sent to the remote model and the ordered rule table used when the remote model is unavailable.
package knowledge

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_profile.yaml
var defaultProfile []byte

// DefaultRuleName identifies the catch-all response.
const DefaultRuleName = "default"

// Profile is immutable after Load; share it freely between goroutines.
type Profile struct {
	Owner      string `yaml:"owner"`
	Title      string `yaml:"title"`
	Background string `yaml:"background"`
	Rules      []Rule `yaml:"rules"`
	Default    string `yaml:"default"`
}

// Rule maps trigger substrings to a canned response. Rules are evaluated in slice order.
type Rule struct {
	Name     string   `yaml:"name"`
	Triggers []string `yaml:"triggers"`
	// Unless suppresses the rule when any of these keywords is also present.
	Unless   []string `yaml:"unless"`
	Response string   `yaml:"response"`
}

// Matches reports whether the already lower-cased query selects this rule.
func (r Rule) Matches(lowerQuery string) bool {
	for _, kw := range r.Unless {
		if strings.Contains(lowerQuery, kw) {
			return false
		}
	}
	for _, trigger := range r.Triggers {
		if strings.Contains(lowerQuery, trigger) {
			return true
		}
	}
	return false
}

// Match returns the first rule selected by query, first match wins.
func (p *Profile) Match(query string) (Rule, bool) {
	lower := strings.ToLower(query)
	for _, rule := range p.Rules {
		if rule.Matches(lower) {
			return rule, true
		}
	}
	return Rule{}, false
}

// Default parses the profile compiled into the binary.
func Default() (*Profile, error) {
	return Parse(defaultProfile)
}

// Load reads a profile from a YAML file.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	return Parse(data)
}

// LoadOrDefault loads path, or the embedded profile when path is empty.
func LoadOrDefault(path string) (*Profile, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	return Load(path)
}

// Parse decodes and validates a YAML profile. Keywords are lower-cased.
func Parse(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}

	for i := range p.Rules {
		p.Rules[i].Triggers = normalizeKeywords(p.Rules[i].Triggers)
		p.Rules[i].Unless = normalizeKeywords(p.Rules[i].Unless)
		p.Rules[i].Response = strings.TrimSpace(p.Rules[i].Response)
	}
	p.Background = strings.TrimSpace(p.Background)
	p.Default = strings.TrimSpace(p.Default)

	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	return &p, nil
}

func (p *Profile) validate() error {
	if p.Background == "" {
		return fmt.Errorf("background is required")
	}
	if p.Default == "" {
		return fmt.Errorf("default response is required")
	}

	seen := make(map[string]bool, len(p.Rules))
	for i, rule := range p.Rules {
		if rule.Name == "" {
			return fmt.Errorf("rule %d has no name", i)
		}
		if rule.Name == DefaultRuleName {
			return fmt.Errorf("rule name %q is reserved", DefaultRuleName)
		}
		if seen[rule.Name] {
			return fmt.Errorf("duplicate rule name %q", rule.Name)
		}
		seen[rule.Name] = true
		if len(rule.Triggers) == 0 {
			return fmt.Errorf("rule %q has no triggers", rule.Name)
		}
		if rule.Response == "" {
			return fmt.Errorf("rule %q has no response", rule.Name)
		}
	}
	return nil
}

// normalizeKeywords lower-cases keywords and drops blanks, which would match every query.
func normalizeKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	for _, kw := range in {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			out = append(out, kw)
		}
	}
	return out
}
