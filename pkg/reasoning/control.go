package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/triadhq/triad/pkg/jsonx"
	"github.com/triadhq/triad/pkg/llm"
	"github.com/triadhq/triad/pkg/protocol"
)

// Control validates a plan, runs the policy engine, optionally asks a second
// model to verify, and decides the final tool call list. It is the only
// layer allowed to block a turn.
type Control struct {
	client  *llm.Client
	model   string
	timeout time.Duration
	policy  *PolicyEngine
	catalog ToolCatalog

	// verifyWithLLM enables the second-model verification pass.
	verifyWithLLM bool
}

// NewControl creates the control layer.
func NewControl(client *llm.Client, model string, timeout time.Duration, catalog ToolCatalog, verifyWithLLM bool) *Control {
	return &Control{
		client:        client,
		model:         model,
		timeout:       timeout,
		policy:        NewPolicyEngine(),
		catalog:       catalog,
		verifyWithLLM: verifyWithLLM,
	}
}

var (
	credentialRe = regexp.MustCompile(`(?i)\b(password|passwort|api[_ ]?key|secret|token|private key)\b`)
	emailRe      = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phoneRe      = regexp.MustCompile(`\+?\d[\d\s/\-]{7,}\d`)
)

// Verify runs the three control responsibilities in order: quick safety
// checks, the policy engine, and optional LLM verification. It returns an
// immutable VerifiedPlan; the orchestrator must not mutate it.
func (c *Control) Verify(ctx context.Context, userText string, plan *protocol.Plan, memoryContext string) *protocol.VerifiedPlan {
	verified := &protocol.VerifiedPlan{Plan: *plan, Verified: true}

	c.quickChecks(userText, verified)

	if decision := c.policy.Decide(userText); decision != nil {
		verified.CIMDecision = decision
		switch decision.Action {
		case protocol.ActionDeny:
			verified.Blocked = true
			verified.BlockReason = decision.Reason
			return verified
		case protocol.ActionRequireConfirmation:
			verified.NeedsSkillConfirmation = true
			verified.Warnings = append(verified.Warnings,
				fmt.Sprintf("confirmation required: %s", decision.Reason))
		case protocol.ActionCreateNew:
			if decision.RequiresConfirmation {
				verified.NeedsSkillConfirmation = true
			}
		}
	}

	if c.verifyWithLLM {
		c.llmVerification(ctx, userText, verified, memoryContext)
	}

	verified.ToolCalls = c.normalizeTools(verified.SuggestedTools, userText)

	// Confirmation pending: nothing runs autonomously this turn.
	if verified.NeedsSkillConfirmation {
		verified.ToolCalls = nil
	}

	verified.FinalInstruction = c.buildInstruction(userText, verified)
	return verified
}

// quickChecks applies the keyword scan and the plan-consistency rules.
func (c *Control) quickChecks(userText string, v *protocol.VerifiedPlan) {
	if credentialRe.MatchString(userText) {
		v.Warnings = append(v.Warnings, "sensitive category: credentials mentioned")
	}
	if emailRe.MatchString(userText) {
		v.Warnings = append(v.Warnings, "PII detected: email address")
	}
	if phoneRe.MatchString(userText) {
		v.Warnings = append(v.Warnings, "PII detected: phone number")
	}

	// needs_memory without keys is inconsistent; drop the flag.
	if v.NeedsMemory && len(v.MemoryKeys) == 0 {
		v.NeedsMemory = false
		v.Warnings = append(v.Warnings, "plan inconsistency: needs_memory without memory_keys")
	}

	// High risk without memory grounding: force a lookup rather than block.
	if v.HallucinationRisk == protocol.RiskHigh && !v.NeedsMemory {
		v.NeedsMemory = true
		v.MemoryKeys = []string{"user_profile"}
		v.Warnings = append(v.Warnings, "high hallucination risk: added memory lookup")
	}

	// New fact with an empty key is dropped, not saved under a generated key.
	if v.IsNewFact && (v.NewFactKey == "" || v.NewFactValue == "") {
		v.IsNewFact = false
		v.NewFactKey = ""
		v.NewFactValue = ""
		v.Warnings = append(v.Warnings, "plan inconsistency: new fact without key/value dropped")
	}

	if v.HallucinationRisk == protocol.RiskHigh || v.SequentialComplexity >= 8 {
		v.Warnings = append(v.Warnings, "escalation: high-risk or high-complexity request")
	}
}

type verificationResult struct {
	Approved    bool           `json:"approved"`
	Corrections map[string]any `json:"corrections"`
	Warnings    []string       `json:"warnings"`
}

// llmVerification sends a compact payload to the control model. A timeout or
// parse failure keeps the plan as-is and surfaces a warning.
func (c *Control) llmVerification(ctx context.Context, userText string, v *protocol.VerifiedPlan, memoryContext string) {
	planJSON, err := json.Marshal(v.Plan)
	if err != nil {
		return
	}

	prompt := fmt.Sprintf(controlVerificationPrompt,
		clip(userText, 500),
		clip(string(planJSON), 800),
		clip(memoryContext, 400),
	)

	raw, err := c.client.Generate(ctx, llm.GenerateRequest{
		Model:  c.model,
		Prompt: prompt,
		Format: "json",
	}, "control", c.timeout)
	if err != nil {
		slog.Warn("Control LLM verification failed, keeping plan", "error", err)
		v.Warnings = append(v.Warnings, "verification unavailable, plan used as-is")
		return
	}

	m := jsonx.Extract(raw, nil, "control_verification")
	if m == nil {
		v.Warnings = append(v.Warnings, "verification response unparseable, plan used as-is")
		return
	}

	var result verificationResult
	data, _ := json.Marshal(m)
	if err := json.Unmarshal(data, &result); err != nil {
		return
	}

	v.Warnings = append(v.Warnings, result.Warnings...)

	if len(result.Corrections) > 0 {
		merged := planToMap(v.Plan)
		for k, val := range result.Corrections {
			if val == nil {
				continue
			}
			merged[k] = val
		}
		if corrected, err := protocol.PlanFromMap(merged); err == nil {
			v.Plan = *corrected
		}
	}
}

func planToMap(p protocol.Plan) map[string]any {
	data, _ := json.Marshal(p)
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	return m
}

var (
	toolCallSyntaxRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	toolKVRe         = regexp.MustCompile(`(?:tool|name)\s*[:=]\s*"?([A-Za-z_][A-Za-z0-9_]*)"?`)
	identRe          = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// ExtractToolName pulls a clean tool name out of noisy model text. Accepts
// plain identifiers, call syntax, key/value fragments, and quoted names;
// rejects prose with spaces.
func ExtractToolName(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, `"'`+"`")
	if s == "" {
		return ""
	}
	if identRe.MatchString(s) {
		return s
	}
	if m := toolCallSyntaxRe.FindStringSubmatch(s); len(m) == 2 {
		return m[1]
	}
	if m := toolKVRe.FindStringSubmatch(s); len(m) == 2 {
		return m[1]
	}
	return ""
}

// argAliases maps model-invented parameter names onto the advertised ones.
var argAliases = map[string]string{
	"skill_name": "name",
	"filename":   "path",
	"file":       "path",
	"text":       "message",
	"q":          "query",
}

// normalizeTools turns suggested tools into a deduplicated, validated,
// availability-filtered tool call list. Unknown tools are dropped
// (fail-closed) unless they are on the native allowlist.
func (c *Control) normalizeTools(suggested []protocol.SuggestedTool, userText string) []protocol.ToolCall {
	seen := make(map[string]bool)
	var calls []protocol.ToolCall

	for _, s := range suggested {
		name := ExtractToolName(s.Name)
		if name == "" || seen[name] {
			continue
		}

		def, known := c.catalog.GetTool(name)
		if !known && !nativeTools[name] {
			slog.Debug("Dropping unavailable suggested tool", "tool", name)
			continue
		}
		seen[name] = true

		args := s.Arguments
		if args == nil {
			args = map[string]any{}
		}
		args = applyAliases(args, def.InputSchema)
		autofillArgs(args, def.InputSchema, name, userText)

		if known && def.InputSchema != nil {
			if err := validateArgs(args, def.InputSchema); err != nil {
				slog.Debug("Tool arguments failed schema validation", "tool", name, "error", err)
				// Second attempt after alias fixes already happened; drop
				// the arguments rather than the tool.
				args = map[string]any{}
				autofillArgs(args, def.InputSchema, name, userText)
			}
		}

		calls = append(calls, protocol.ToolCall{Name: name, Arguments: args})
	}
	return calls
}

// applyAliases renames known argument aliases to the schema's property
// names, when the schema actually declares the target.
func applyAliases(args map[string]any, schema map[string]any) map[string]any {
	props := schemaProperties(schema)
	out := make(map[string]any, len(args))
	for k, v := range args {
		if target, ok := argAliases[k]; ok {
			if _, declared := props[target]; declared || props == nil {
				if _, taken := args[target]; !taken {
					out[target] = v
					continue
				}
			}
		}
		out[k] = v
	}
	return out
}

// autofillArgs fills trivial required arguments: a required "query" or
// "message" defaults to the user text.
func autofillArgs(args map[string]any, schema map[string]any, name, userText string) {
	for _, req := range schemaRequired(schema) {
		if _, present := args[req]; present {
			continue
		}
		switch req {
		case "query", "message", "prompt", "input":
			args[req] = userText
		}
	}
	// A think tool with no schema still gets the user text.
	if len(args) == 0 && strings.Contains(name, "think") {
		args["message"] = userText
	}
	if len(args) == 0 && strings.Contains(name, "search") {
		args["query"] = userText
	}
}

func schemaProperties(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	props, _ := schema["properties"].(map[string]any)
	return props
}

func schemaRequired(schema map[string]any) []string {
	if schema == nil {
		return nil
	}
	raw, _ := schema["required"].([]any)
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// validateArgs checks the arguments against the tool's advertised JSON
// schema.
func validateArgs(args map[string]any, schema map[string]any) error {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return err
	}
	compiled, err := jsonschema.CompileString("inputSchema.json", string(schemaJSON))
	if err != nil {
		// Backends advertise sloppy schemas; an uncompilable schema does
		// not fail the call.
		return nil
	}

	// Round-trip so numeric types match what the validator expects.
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	return compiled.Validate(generic)
}

func (c *Control) buildInstruction(userText string, v *protocol.VerifiedPlan) string {
	var b strings.Builder
	b.WriteString("Answer the user's request")
	if v.Intent != "" {
		b.WriteString(fmt.Sprintf(" (intent: %s)", v.Intent))
	}
	b.WriteString(".")
	if v.NeedsSkillConfirmation {
		b.WriteString(" A new capability would be required; ask the user to confirm before anything is created.")
	}
	if v.HallucinationRisk == protocol.RiskHigh {
		b.WriteString(" Only state personal facts that appear in the retrieved memory; if the memory is empty, say the information is not stored.")
	}
	if v.SuggestedResponseStyle != "" {
		b.WriteString(fmt.Sprintf(" Style: %s.", v.SuggestedResponseStyle))
	}
	return b.String()
}
