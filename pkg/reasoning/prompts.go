package reasoning

import (
	"fmt"
	"sort"
	"strings"

	"github.com/triadhq/triad/pkg/protocol"
)

// DetectionRulesPolicy controls how much of the tool-detection rule set is
// injected into the thinking prompt. Small-context models get the thin set.
type DetectionRulesPolicy string

const (
	DetectionRulesOff  DetectionRulesPolicy = "off"
	DetectionRulesThin DetectionRulesPolicy = "thin"
	DetectionRulesFull DetectionRulesPolicy = "full"
)

const thinkingPromptHeader = `You analyze one user request and emit a single JSON object describing what the system should do. Respond with JSON only.

Recognized keys:
- "intent": short string naming what the user wants
- "needs_memory": bool; "memory_keys": up to 8 fact keys to look up
- "is_fact_query": bool; "is_new_fact": bool; if is_new_fact, set "new_fact_key" and "new_fact_value"
- "hallucination_risk": "low" | "medium" | "high" (high = answering without stored facts would invent personal data)
- "suggested_tools": list of tool NAMES only, no arguments
- "needs_sequential_thinking": bool; "sequential_complexity": 0-10
- "time_reference": null | "today" | "yesterday" | "day_before_yesterday" | ISO date
- "suggested_response_style": short hint; "reasoning_type": short hint`

// thinDetectionRules is the safety-critical subset: memory persistence and
// container lifecycle must be detected even by small-context models.
const thinDetectionRules = `
Tool detection rules (critical subset):
- The user states a personal fact to remember -> is_new_fact=true and suggest "memory_fact_save".
- The user asks about themselves -> needs_memory=true and suggest "memory_search" or "memory_fact_load".
- The user asks to start, stop, or use a container/sandbox -> suggest "request_container" and set sequential_complexity >= 7.`

const fullDetectionRules = thinDetectionRules + `
- Questions about files or the workspace -> suggest "file_read".
- Requests to save or create files -> suggest "file_write".
- Multi-step tasks (install X then run Y) -> needs_sequential_thinking=true, sequential_complexity proportional to the number of steps.
- Web or knowledge lookups beyond stored facts -> suggest a search tool when one is listed.
- References to earlier days -> set time_reference accordingly.`

// BuildThinkingPrompt assembles the thinking system prompt from the tool
// catalog, the optional memory preview, and the detection-rule policy.
func BuildThinkingPrompt(userText, memoryPreview string, tools []protocol.ToolDefinition, policy DetectionRulesPolicy) string {
	var b strings.Builder
	b.WriteString(thinkingPromptHeader)

	if len(tools) > 0 {
		b.WriteString("\n\nAvailable tools by category:\n")
		b.WriteString(describeToolCatalog(tools))
		b.WriteString("\nEmit only tool names from this list in suggested_tools.")
	}

	switch policy {
	case DetectionRulesThin:
		b.WriteString("\n")
		b.WriteString(thinDetectionRules)
	case DetectionRulesFull:
		b.WriteString("\n")
		b.WriteString(fullDetectionRules)
	}

	if memoryPreview != "" {
		b.WriteString("\n\nKnown stored facts (preview):\n")
		b.WriteString(clip(memoryPreview, 600))
	}

	b.WriteString("\n\nUser request:\n")
	b.WriteString(userText)
	b.WriteString("\n\nJSON:")
	return b.String()
}

// describeToolCatalog renders a compact, category-grouped tool list. The
// category is the prefix before the first underscore.
func describeToolCatalog(tools []protocol.ToolDefinition) string {
	byCategory := make(map[string][]string)
	for _, t := range tools {
		category := t.Name
		if idx := strings.Index(t.Name, "_"); idx > 0 {
			category = t.Name[:idx]
		}
		byCategory[category] = append(byCategory[category], t.Name)
	}

	categories := make([]string, 0, len(byCategory))
	for c := range byCategory {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	var b strings.Builder
	for _, c := range categories {
		names := byCategory[c]
		sort.Strings(names)
		b.WriteString(fmt.Sprintf("- %s: %s\n", c, strings.Join(names, ", ")))
	}
	return b.String()
}

const controlVerificationPrompt = `You verify a plan produced for a user request. Check that the plan matches the request and is safe. Respond with JSON only:
{"approved": bool, "corrections": {<plan keys to replace or null>}, "warnings": [<strings>]}

User request (clipped):
%s

Plan (clipped):
%s

Stored memory excerpt (clipped):
%s

JSON:`

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
