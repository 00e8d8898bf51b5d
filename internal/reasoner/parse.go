package reasoner

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"lexhound/internal/legaltext"
)

// Model output drifts: keys get renamed, lists arrive as scalars, prose
// leaks around the JSON. The decoders here tolerate all of that; the
// salvage path is the isolated last resort for payloads that are not
// JSON at all.

const maxTermLength = 80

// DecodeSketch parses a pass-1 payload, accepting alternate key names and
// scalar-for-list slips.
func DecodeSketch(raw string) (Sketch, error) {
	payload := extractJSONObject(raw)
	var m map[string]any
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return Sketch{}, fmt.Errorf("sketch decode: %w", err)
	}
	return Sketch{
		Actors:      stringList(m, "actors", "actor", "actor_role", "parties"),
		Proceeding:  stringList(m, "proceeding", "proceedings", "procedure"),
		Outcome:     stringList(m, "outcome", "outcomes", "disposition"),
		Hooks:       stringList(m, "hooks", "legal_hooks", "statutes", "statutory_hooks"),
		Polarity:    legaltext.NormalizePolarity(stringValue(m, "polarity", "outcome_polarity")),
		StrictTerms: stringList(m, "strict_terms", "strictTerms", "strict"),
		BroadTerms:  stringList(m, "broad_terms", "broadTerms", "broad"),
		CourtHint:   normalizeCourtHint(stringValue(m, "court_hint", "courtHint", "court")),
	}, nil
}

// DecodePlan parses a pass-2 payload and sanitizes it: dangling relations
// dropped, min_match clamped, polarity normalised.
func DecodePlan(raw string) (Plan, error) {
	payload := extractJSONObject(raw)
	var m map[string]any
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return Plan{}, fmt.Errorf("plan decode: %w", err)
	}

	propSrc := mapValue(m, "proposition", "prop")
	if propSrc == nil {
		propSrc = m
	}
	plan := Plan{
		Proposition:         decodeProposition(propSrc),
		MustHaveTerms:       stringList(m, "must_have_terms", "mustHaveTerms", "must_have"),
		MustNotHaveTerms:    stringList(m, "must_not_have_terms", "mustNotHaveTerms", "must_not_have"),
		QueryVariantsStrict: stringList(m, "query_variants_strict", "strict_variants", "queryVariantsStrict"),
		QueryVariantsBroad:  stringList(m, "query_variants_broad", "broad_variants", "queryVariantsBroad"),
		CaseAnchors:         stringList(m, "case_anchors", "caseAnchors", "anchors"),
	}
	return SanitizePlan(plan), nil
}

func decodeProposition(m map[string]any) Proposition {
	p := Proposition{
		Actors:              stringList(m, "actors", "actor"),
		Proceeding:          stringList(m, "proceeding", "proceedings"),
		LegalHooks:          stringList(m, "legal_hooks", "hooks", "legalHooks"),
		OutcomeRequired:     stringList(m, "outcome_required", "outcomeRequired"),
		OutcomeNegative:     stringList(m, "outcome_negative", "outcomeNegative"),
		JurisdictionHint:    normalizeCourtHint(stringValue(m, "jurisdiction_hint", "jurisdictionHint", "court_hint")),
		InteractionRequired: boolValue(m, "interaction_required", "interactionRequired"),
	}
	for _, item := range listValue(m, "hook_groups", "hookGroups", "groups") {
		gm, ok := item.(map[string]any)
		if !ok {
			continue
		}
		p.HookGroups = append(p.HookGroups, HookGroup{
			GroupID:  stringValue(gm, "group_id", "groupId", "id"),
			Terms:    stringList(gm, "terms", "phrases"),
			MinMatch: intValue(gm, "min_match", "minMatch", "min"),
			Required: boolValue(gm, "required", "mandatory"),
		})
	}
	for _, item := range listValue(m, "relations", "relationships") {
		rm, ok := item.(map[string]any)
		if !ok {
			continue
		}
		p.Relations = append(p.Relations, Relation{
			Type:         stringValue(rm, "type", "relation"),
			LeftGroupID:  stringValue(rm, "left_group_id", "leftGroupId", "left"),
			RightGroupID: stringValue(rm, "right_group_id", "rightGroupId", "right"),
			Required:     boolValue(rm, "required", "mandatory"),
		})
	}
	if cm := mapValue(m, "outcome_constraint", "outcomeConstraint"); cm != nil {
		p.OutcomeConstraint = &OutcomeConstraint{
			Polarity:           legaltext.NormalizePolarity(stringValue(cm, "polarity")),
			Modality:           stringValue(cm, "modality"),
			Terms:              stringList(cm, "terms"),
			ContradictionTerms: stringList(cm, "contradiction_terms", "contradictions", "contradictionTerms"),
		}
	}
	return p
}

// SanitizePlan enforces the structural rules any plan must satisfy
// regardless of origin: known relation types, resolvable group ids,
// min_match within [1, min(|terms|, 4)], groups with terms.
func SanitizePlan(plan Plan) Plan {
	groups := plan.Proposition.HookGroups[:0:0]
	ids := map[string]bool{}
	for i, g := range plan.Proposition.HookGroups {
		g.Terms = clampTerms(g.Terms, 6)
		if len(g.Terms) == 0 {
			continue
		}
		if g.GroupID == "" {
			g.GroupID = fmt.Sprintf("g%d", i+1)
		}
		if ids[g.GroupID] {
			continue
		}
		ids[g.GroupID] = true
		g.MinMatch = clampMinMatch(g.MinMatch, len(g.Terms))
		groups = append(groups, g)
	}
	plan.Proposition.HookGroups = groups

	relations := plan.Proposition.Relations[:0:0]
	for _, r := range plan.Proposition.Relations {
		if !validRelationType(r.Type) {
			continue
		}
		if !ids[r.LeftGroupID] || !ids[r.RightGroupID] {
			continue
		}
		relations = append(relations, r)
	}
	plan.Proposition.Relations = relations

	plan.MustHaveTerms = clampTerms(plan.MustHaveTerms, 10)
	plan.MustNotHaveTerms = clampTerms(plan.MustNotHaveTerms, 10)
	plan.QueryVariantsStrict = clampTerms(plan.QueryVariantsStrict, 12)
	plan.QueryVariantsBroad = clampTerms(plan.QueryVariantsBroad, 12)
	plan.CaseAnchors = clampTerms(plan.CaseAnchors, 8)

	if c := plan.Proposition.OutcomeConstraint; c != nil {
		c.Terms = clampTerms(c.Terms, 8)
		c.ContradictionTerms = clampTerms(c.ContradictionTerms, 8)
		if c.Polarity == legaltext.PolarityUnknown && len(c.Terms) == 0 {
			plan.Proposition.OutcomeConstraint = nil
		}
	}
	return plan
}

func clampMinMatch(n, terms int) int {
	upper := terms
	if upper > 4 {
		upper = 4
	}
	if n < 1 {
		return 1
	}
	if n > upper {
		return upper
	}
	return n
}

func validRelationType(t string) bool {
	switch t {
	case RelationRequires, RelationAppliesTo, RelationInteractsWith, RelationExcludedBy:
		return true
	}
	return false
}

// clampTerms drops empty and overlong entries, de-duplicates and bounds
// the list.
func clampTerms(terms []string, max int) []string {
	var out []string
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" || len(t) > maxTermLength {
			continue
		}
		out = append(out, t)
	}
	return legaltext.Truncate(legaltext.UniqueStrings(out), max)
}

// =============================================================================
// LOOSE VALUE COERCION
// =============================================================================

func stringList(m map[string]any, keys ...string) []string {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case []any:
			var out []string
			for _, item := range t {
				if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
					out = append(out, strings.TrimSpace(s))
				}
			}
			if len(out) > 0 {
				return out
			}
		case string:
			if strings.TrimSpace(t) != "" {
				return []string{strings.TrimSpace(t)}
			}
		}
	}
	return nil
}

func stringValue(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func listValue(m map[string]any, keys ...string) []any {
	for _, k := range keys {
		if l, ok := m[k].([]any); ok {
			return l
		}
	}
	return nil
}

func mapValue(m map[string]any, keys ...string) map[string]any {
	for _, k := range keys {
		if mm, ok := m[k].(map[string]any); ok {
			return mm
		}
	}
	return nil
}

func boolValue(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		switch t := m[k].(type) {
		case bool:
			return t
		case string:
			if strings.EqualFold(t, "true") || strings.EqualFold(t, "yes") {
				return true
			}
		}
	}
	return false
}

func intValue(m map[string]any, keys ...string) int {
	for _, k := range keys {
		switch t := m[k].(type) {
		case float64:
			return int(t)
		case string:
			var n int
			if _, err := fmt.Sscanf(t, "%d", &n); err == nil {
				return n
			}
		}
	}
	return 0
}

func normalizeCourtHint(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SC", "SUPREME COURT", "SUPREME_COURT":
		return "SC"
	case "HC", "HIGH COURT", "HIGH_COURT":
		return "HC"
	case "":
		return ""
	default:
		return "ANY"
	}
}

// extractJSONObject returns the first balanced JSON object in raw, after
// stripping markdown fences. Brace scanning is string-aware.
func extractJSONObject(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return raw
	}
	depth, inString, escaped := 0, false, false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return raw[start : i+1]
			}
		}
	}
	return raw[start:]
}

// =============================================================================
// SALVAGE
// =============================================================================

var (
	salvageListPatterns = map[string]*regexp.Regexp{
		"actors":       salvageList("actors?|actor_role|parties"),
		"proceeding":   salvageList("proceedings?|procedure"),
		"outcome":      salvageList("outcomes?|disposition"),
		"hooks":        salvageList("hooks|legal_hooks|statutes"),
		"strict_terms": salvageList("strict_terms|strictTerms|strict"),
		"broad_terms":  salvageList("broad_terms|broadTerms|broad"),
	}
	salvagePolarity  = regexp.MustCompile(`"?polarity"?\s*[:=]\s*"?([a-z_ ]+)`)
	salvageCourtHint = regexp.MustCompile(`"?court_hint"?\s*[:=]\s*"?([A-Za-z_ ]+)`)
	quotedString     = regexp.MustCompile(`"((?:[^"\\]|\\.)*)"`)
)

func salvageList(names string) *regexp.Regexp {
	return regexp.MustCompile(`"?(?:` + names + `)"?\s*[:=]\s*\[([^\]]*)`)
}

// SalvageSketch reconstructs a sketch from a JSON-like payload that failed
// to parse: truncated output, trailing prose, unbalanced braces. Returns
// false when nothing usable was recovered.
func SalvageSketch(raw string) (Sketch, bool) {
	fields := map[string][]string{}
	for name, pat := range salvageListPatterns {
		m := pat.FindStringSubmatch(raw)
		if m == nil {
			continue
		}
		var items []string
		for _, q := range quotedString.FindAllStringSubmatch(m[1], -1) {
			if s := strings.TrimSpace(q[1]); s != "" && len(s) <= maxTermLength {
				items = append(items, s)
			}
		}
		if len(items) > 0 {
			fields[name] = legaltext.UniqueStrings(items)
		}
	}

	s := Sketch{
		Actors:      fields["actors"],
		Proceeding:  fields["proceeding"],
		Outcome:     fields["outcome"],
		Hooks:       fields["hooks"],
		StrictTerms: fields["strict_terms"],
		BroadTerms:  fields["broad_terms"],
	}
	if m := salvagePolarity.FindStringSubmatch(raw); m != nil {
		s.Polarity = legaltext.NormalizePolarity(strings.TrimSpace(m[1]))
	}
	if m := salvageCourtHint.FindStringSubmatch(raw); m != nil {
		s.CourtHint = normalizeCourtHint(strings.TrimSpace(m[1]))
	}

	if len(s.StrictTerms) == 0 && len(s.Hooks) == 0 {
		return Sketch{}, false
	}
	return s, true
}
