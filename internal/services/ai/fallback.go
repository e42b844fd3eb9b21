package ai

import (
	"github.com/portfolio-assistant-go/internal/knowledge"
)

// lastResort is only reachable without a profile; a loaded profile always has a default.
const lastResort = "Hi! I'm the portfolio assistant. Ask me about skills, projects, experience or how to get in touch."

// FallbackResponder answers locally from the profile's ordered rule table.
// It is a pure function of the query and the profile.
type FallbackResponder struct {
	profile *knowledge.Profile
}

func NewFallbackResponder(profile *knowledge.Profile) *FallbackResponder {
	return &FallbackResponder{profile: profile}
}

// Respond returns the canned answer and the name of the rule that produced it.
func (f *FallbackResponder) Respond(query string) (string, string) {
	if f.profile == nil {
		return lastResort, knowledge.DefaultRuleName
	}
	if rule, ok := f.profile.Match(query); ok {
		return rule.Response, rule.Name
	}
	return f.profile.Default, knowledge.DefaultRuleName
}
