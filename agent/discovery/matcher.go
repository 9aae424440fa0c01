package discovery

import (
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrelay/agent/protocol/a2a"
	"github.com/BaSui01/agentrelay/types"
)

// MatcherConfig holds configuration for the capability matcher.
type MatcherConfig struct {
	// Profile carries stage-specific aliases, content types and lexicons.
	Profile StageProfile

	// LexiconFallback enables the best-effort phrase lexicon.
	LexiconFallback bool
}

// DefaultMatcherConfig returns a MatcherConfig with the lexicon enabled.
func DefaultMatcherConfig() *MatcherConfig {
	return &MatcherConfig{LexiconFallback: true}
}

// Matcher evaluates capability queries against a stage descriptor.
type Matcher struct {
	config *MatcherConfig
	logger *zap.Logger
}

var _ a2a.SkillMatcher = (*Matcher)(nil)

// NewMatcher creates a new matcher.
func NewMatcher(config *MatcherConfig, logger *zap.Logger) *Matcher {
	if config == nil {
		config = DefaultMatcherConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{
		config: config,
		logger: logger.With(zap.String("component", "capability_matcher")),
	}
}

// Match reports whether the descriptor satisfies the query.
//
// Evaluation order: capabilityType, then skill, then the free-text
// capability. A query with none of the three is a BadRequest. A miss is
// returned as available=false, never as an error.
func (m *Matcher) Match(query a2a.CapabilityQuery, d *a2a.StageDescriptor) (*a2a.QueryResponse, error) {
	if query.IsEmpty() {
		return nil, types.NewError(types.ErrBadRequest, "Missing 'skill' or 'capability' parameter in request.")
	}
	if d == nil {
		return a2a.NewUnavailable(), nil
	}

	switch {
	case query.CapabilityType != "":
		return m.matchCapabilityType(query.CapabilityType, d), nil
	case strings.TrimSpace(query.Skill) != "":
		return m.matchSkill(query.Skill, d), nil
	default:
		return m.matchCapability(query.Capability, d), nil
	}
}

func (m *Matcher) matchCapabilityType(c a2a.Capability, d *a2a.StageDescriptor) *a2a.QueryResponse {
	if !d.HasCapability(c) {
		return a2a.NewUnavailable()
	}
	return available(a2a.MatchedByCapabilityType, map[string]any{"capability": string(c)})
}

func (m *Matcher) matchSkill(skill string, d *a2a.StageDescriptor) *a2a.QueryResponse {
	for _, name := range d.SkillNames() {
		if SkillMatches(skill, name) {
			return available(a2a.MatchedBySkill, m.skillDetails(name))
		}
	}
	for _, alias := range m.config.Profile.SkillAliases {
		if SkillMatches(skill, alias) {
			return available(a2a.MatchedBySkill, m.skillDetails(alias))
		}
	}
	return a2a.NewUnavailable()
}

func (m *Matcher) matchCapability(phrase string, d *a2a.StageDescriptor) *a2a.QueryResponse {
	if ct, ok := ParseContentTypePhrase(phrase); ok {
		for _, accepted := range m.config.Profile.ContentTypes {
			if fold(accepted) == ct {
				return available(a2a.MatchedByContentType, map[string]any{"contentType": ct})
			}
		}
		return a2a.NewUnavailable()
	}

	if c, ok := ResolveCapability(phrase); ok && d.HasCapability(c) {
		return m.matchCapabilityType(c, d)
	}

	if !m.config.LexiconFallback {
		return a2a.NewUnavailable()
	}

	normalized := fold(phrase)
	for _, lex := range m.config.Profile.Lexicons {
		for _, p := range lex.Phrases {
			if strings.Contains(normalized, fold(p)) {
				m.logger.Debug("capability matched by lexicon",
					zap.String("phrase", phrase),
					zap.String("lexicon", lex.Label),
				)
				details := map[string]any{"capability": lex.Label}
				for k, v := range lex.Details {
					details[k] = v
				}
				return available(a2a.MatchedByLexicon, details)
			}
		}
	}
	return a2a.NewUnavailable()
}

func (m *Matcher) skillDetails(name string) map[string]any {
	details := map[string]any{"skill": name}
	for k, v := range m.config.Profile.SkillDetails[name] {
		details[k] = v
	}
	return details
}

// SkillMatches reports case-insensitive containment in either direction.
func SkillMatches(query, declared string) bool {
	q := foldCase(query)
	d := foldCase(declared)
	return strings.Contains(d, q) || strings.Contains(q, d)
}

// DeclaresSkill reports whether any declared skill name matches the query
// under SkillMatches. It is the local check the discovery client runs
// before a live query.
func DeclaresSkill(d *a2a.StageDescriptor, skill string) bool {
	q := strings.TrimSpace(skill)
	for _, name := range d.SkillNames() {
		if SkillMatches(q, name) {
			return true
		}
	}
	return false
}

func available(by a2a.MatchedBy, details map[string]any) *a2a.QueryResponse {
	details["matchedBy"] = string(by)
	return &a2a.QueryResponse{Available: true, Details: details}
}
