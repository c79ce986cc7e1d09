package reasoning

import (
	"regexp"
	"sort"
	"strings"

	"github.com/triadhq/triad/pkg/protocol"
)

// Safety levels, ordered by severity.
const (
	SafetyLow      = "low"
	SafetyNormal   = "normal"
	SafetyHigh     = "high"
	SafetyCritical = "critical"
)

// policyRule is one row of the policy table: a regex over the user text
// mapped to a typed decision template.
type policyRule struct {
	Pattern              *regexp.Regexp
	Priority             int // higher wins
	Action               string
	SafetyLevel          string
	Scope                string // "user" or "system"
	RequiresConfirmation bool
	AllowsChaining       bool
	CheckSkillExists     bool
	Confidence           float64
	Reason               string
}

// PolicyEngine matches intents against an ordered rule table and returns a
// typed decision. Safety level critical or system scope always blocks
// autonomous creation.
type PolicyEngine struct {
	rules []policyRule
}

// minPolicyConfidence is the cutoff below which a match is ignored and the
// request falls through to plain chat.
const minPolicyConfidence = 0.5

// NewPolicyEngine builds the engine with the default rule table.
func NewPolicyEngine() *PolicyEngine {
	rules := []policyRule{
		{
			Pattern:              regexp.MustCompile(`(?i)\b(delete|remove|wipe|format)\b.*\b(database|filesystem|disk|all (files|data))\b`),
			Priority:             40,
			Action:               protocol.ActionDeny,
			SafetyLevel:          SafetyCritical,
			Scope:                "system",
			RequiresConfirmation: true,
			Confidence:           0.95,
			Reason:               "destructive system-wide operation",
		},
		{
			Pattern:              regexp.MustCompile(`(?i)\b(shutdown|reboot|restart)\b.*\b(system|server|host|rechner)\b`),
			Priority:             40,
			Action:               protocol.ActionRequireConfirmation,
			SafetyLevel:          SafetyCritical,
			Scope:                "system",
			RequiresConfirmation: true,
			Confidence:           0.9,
			Reason:               "host lifecycle operation",
		},
		{
			Pattern:              regexp.MustCompile(`(?i)\b(erstelle|baue|schreibe|create|build|write)\b.*\b(skill|fähigkeit|automation)\b`),
			Priority:             30,
			Action:               protocol.ActionCreateNew,
			SafetyLevel:          SafetyHigh,
			Scope:                "user",
			RequiresConfirmation: true,
			AllowsChaining:       false,
			CheckSkillExists:     true,
			Confidence:           0.8,
			Reason:               "skill creation",
		},
		{
			Pattern:          regexp.MustCompile(`(?i)\b(führe|starte|nutze|run|execute|use)\b.*\b(skill)\b`),
			Priority:         30,
			Action:           protocol.ActionUseExisting,
			SafetyLevel:      SafetyNormal,
			Scope:            "user",
			AllowsChaining:   true,
			CheckSkillExists: true,
			Confidence:       0.8,
			Reason:           "skill execution",
		},
		{
			Pattern:        regexp.MustCompile(`(?i)\b(zeige|liste|lese|show|list|read|display)\b`),
			Priority:       10,
			Action:         protocol.ActionAllowReadOnly,
			SafetyLevel:    SafetyLow,
			Scope:          "user",
			AllowsChaining: true,
			Confidence:     0.6,
			Reason:         "read-only request",
		},
	}

	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })
	return &PolicyEngine{rules: rules}
}

// Decide returns the decision for the user text, or nil when no rule matches
// with sufficient confidence (the caller falls back to plain chat).
func (e *PolicyEngine) Decide(userText string) *protocol.Decision {
	for _, rule := range e.rules {
		if !rule.Pattern.MatchString(userText) {
			continue
		}
		if rule.Confidence < minPolicyConfidence {
			continue
		}

		decision := &protocol.Decision{
			Action:               rule.Action,
			SafetyLevel:          rule.SafetyLevel,
			Confidence:           rule.Confidence,
			RequiresConfirmation: rule.RequiresConfirmation,
			AllowsChaining:       rule.AllowsChaining,
			Reason:               rule.Reason,
		}

		// Critical safety or system scope never creates autonomously.
		if rule.SafetyLevel == SafetyCritical || rule.Scope == "system" {
			decision.RequiresConfirmation = true
			if decision.Action == protocol.ActionCreateNew {
				decision.Action = protocol.ActionRequireConfirmation
			}
		}

		if rule.Action == protocol.ActionCreateNew || rule.CheckSkillExists {
			decision.SkillName = DeriveSkillName(userText)
		}

		return decision
	}
	return nil
}

var skillNameStopwords = map[string]bool{
	"erstelle": true, "baue": true, "schreibe": true, "create": true,
	"build": true, "write": true, "einen": true, "eine": true, "ein": true,
	"the": true, "a": true, "an": true, "skill": true, "für": true,
	"for": true, "der": true, "die": true, "das": true, "to": true,
	"that": true, "bitte": true, "please": true, "mir": true, "me": true,
	"neuen": true, "new": true, "und": true, "and": true,
}

var skillNameClean = regexp.MustCompile(`[^a-z0-9]+`)

// DeriveSkillName computes a deterministic skill name from the content
// keywords of the user text: lowercase, stopwords removed, first four
// keywords joined with underscores.
func DeriveSkillName(userText string) string {
	words := strings.Fields(strings.ToLower(userText))
	var keywords []string
	for _, w := range words {
		if skillNameStopwords[w] {
			continue
		}
		w = skillNameClean.ReplaceAllString(w, "")
		if w == "" || skillNameStopwords[w] {
			continue
		}
		keywords = append(keywords, w)
		if len(keywords) == 4 {
			break
		}
	}
	if len(keywords) == 0 {
		return "unnamed_skill"
	}
	return strings.Join(keywords, "_")
}
