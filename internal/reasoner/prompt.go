package reasoner

import (
	"fmt"
	"strings"
	"time"

	"lexhound/internal/gateway"
	"lexhound/internal/intent"
	"lexhound/internal/legaltext"
)

const systemPrompt = `You analyse Indian case-law research queries. You answer with a single JSON object and nothing else. Statute names must stay in their short Indian form (crpc, bnss, ipc, bns, cpc, pc act, limitation act). Never invent section numbers the query does not mention.`

// Passes.
const (
	PassSketch = 1
	PassPlan   = 2
)

// AdaptiveTimeout grows the base deadline with query complexity. Hook
// pairs, interaction phrasing, multiple procedures and long queries all
// buy the model time; pass two always does. Capped at max.
func AdaptiveTimeout(base, max time.Duration, profile intent.Profile, pass int) time.Duration {
	d := base
	if len(profile.References) >= 2 {
		d += 2 * time.Second
	}
	if hasInteractionCue(profile.CleanedQuery) {
		d += 2 * time.Second
	}
	if len(profile.Procedures) >= 2 {
		d += 1500 * time.Millisecond
	}
	if len(profile.CleanedQuery) > 220 {
		d += 1500 * time.Millisecond
	}
	if pass == PassPlan {
		d += 2500 * time.Millisecond
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}

// sketchSchema is the structured-output contract for pass one.
func sketchSchema() gateway.SchemaSpec {
	return gateway.SchemaSpec{
		Name:        "legal_query_sketch",
		Description: "Structured reading of an Indian case-law research query",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"actors":       stringArraySchema("Litigant roles, e.g. state, accused, public servant"),
				"proceeding":   stringArraySchema("Procedural postures, e.g. criminal appeal, quashing petition"),
				"outcome":      stringArraySchema("Dispositions the query demands, e.g. delay condonation refused"),
				"hooks":        stringArraySchema("Statutory hooks, e.g. section 197 crpc, section 19 pc act"),
				"polarity":     map[string]any{"type": "string", "enum": []string{"required", "not_required", "allowed", "refused", "dismissed", "quashed", "unknown"}},
				"strict_terms": stringArraySchema("Up to 12 phrases a matching judgment must contain"),
				"broad_terms":  stringArraySchema("Up to 12 looser recall phrases"),
				"court_hint":   map[string]any{"type": "string", "enum": []string{"SC", "HC", "ANY"}},
			},
			"required": []string{"hooks", "polarity", "strict_terms"},
		},
	}
}

// planSchema is the structured-output contract for pass two.
func planSchema() gateway.SchemaSpec {
	return gateway.SchemaSpec{
		Name:        "legal_retrieval_plan",
		Description: "Refined retrieval plan for an Indian case-law query",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"proposition": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"actors":           stringArraySchema(""),
						"proceeding":       stringArraySchema(""),
						"legal_hooks":      stringArraySchema(""),
						"outcome_required": stringArraySchema(""),
						"outcome_negative": stringArraySchema(""),
						"hook_groups": map[string]any{
							"type": "array",
							"items": map[string]any{
								"type": "object",
								"properties": map[string]any{
									"group_id":  map[string]any{"type": "string"},
									"terms":     stringArraySchema(""),
									"min_match": map[string]any{"type": "integer"},
									"required":  map[string]any{"type": "boolean"},
								},
							},
						},
						"relations": map[string]any{
							"type": "array",
							"items": map[string]any{
								"type": "object",
								"properties": map[string]any{
									"type":           map[string]any{"type": "string", "enum": []string{"requires", "applies_to", "interacts_with", "excluded_by"}},
									"left_group_id":  map[string]any{"type": "string"},
									"right_group_id": map[string]any{"type": "string"},
									"required":       map[string]any{"type": "boolean"},
								},
							},
						},
						"interaction_required": map[string]any{"type": "boolean"},
					},
				},
				"must_have_terms":       stringArraySchema(""),
				"must_not_have_terms":   stringArraySchema(""),
				"query_variants_strict": stringArraySchema("Up to 12 strict search phrases"),
				"query_variants_broad":  stringArraySchema("Up to 12 broad search phrases"),
				"case_anchors":          stringArraySchema(""),
			},
			"required": []string{"proposition", "query_variants_strict"},
		},
	}
}

func stringArraySchema(description string) map[string]any {
	s := map[string]any{
		"type":  "array",
		"items": map[string]any{"type": "string"},
	}
	if description != "" {
		s["description"] = description
	}
	return s
}

// buildSketchPrompt lists the query and its deterministic reading so the
// model corrects rather than free-associates.
func buildSketchPrompt(profile intent.Profile, compact bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n", profile.CleanedQuery)
	if len(profile.Statutes) > 0 {
		fmt.Fprintf(&b, "Statutes detected: %s\n", strings.Join(profile.Statutes, "; "))
	}
	if compact {
		b.WriteString("Return the JSON sketch.")
		return b.String()
	}
	if len(profile.Procedures) > 0 {
		fmt.Fprintf(&b, "Procedures detected: %s\n", strings.Join(profile.Procedures, "; "))
	}
	if len(profile.Actors) > 0 {
		fmt.Fprintf(&b, "Actors detected: %s\n", strings.Join(profile.Actors, "; "))
	}
	b.WriteString("\nSketch the proposition this query asks for. polarity is the disposition the user wants in the found cases; use \"unknown\" for open-ended questions. strict_terms must be phrases a matching judgment would literally contain. Keep every list short.")
	return b.String()
}

// buildPlanPrompt feeds pass two the sketch-derived plan plus what
// retrieval actually found, asking for a tightened revision.
func buildPlanPrompt(profile intent.Profile, base Plan, snippets []string, compact bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n", profile.CleanedQuery)
	fmt.Fprintf(&b, "Current strict variants: %s\n", strings.Join(legaltext.Truncate(base.QueryVariantsStrict, 6), " | "))
	if len(base.Proposition.HookGroups) > 0 {
		fmt.Fprintf(&b, "Hook groups: %s\n", strings.Join(leadTerms(base.Proposition.HookGroups), " | "))
	}
	limit := 6
	if compact {
		limit = 3
	}
	if len(snippets) > 0 {
		b.WriteString("Top snippets retrieved so far:\n")
		for i, s := range legaltext.Truncate(snippets, limit) {
			fmt.Fprintf(&b, "%d. %s\n", i+1, legaltext.Ellipsis(s, 220))
		}
	} else {
		b.WriteString("Retrieval found nothing usable so far.\n")
	}
	b.WriteString("\nRevise the plan: sharpen query_variants_strict toward judgments that satisfy the proposition, widen query_variants_broad if recall was empty, and keep hook groups only for statutes the query cites.")
	return b.String()
}
