package verify

import (
	"strings"

	"lexhound/internal/canonical"
	"lexhound/internal/legaltext"
	"lexhound/internal/reasoner"
	"lexhound/internal/search"
)

// defaultChainWindow is the character proximity two chained term sets must
// fall within to count as one chain sentence.
const defaultChainWindow = 160

// baseRelationCues mark sentences that connect one hook to another.
var baseRelationCues = []string{
	"read with", "along with", "in conjunction with", "in view of",
	"applies", "applicable", "attracts", "attracted", "requires",
	"interplay", "interaction", "coupled with", "in terms of",
}

// roleMarkers mark procedural-role sentences when an actor appears nearby.
var roleMarkers = []string{
	"appellant", "respondent", "petitioner", "prosecution",
	"preferred appeal", "preferred an appeal", "filed by", "challenged by",
	"at the instance of",
}

// ChainPair is one relation flattened to its two term sets.
type ChainPair struct {
	Left  []string
	Right []string
}

// Cues are the intent-derived terms the evidence scan looks for. Built
// once per request and shared by every hydration worker.
type Cues struct {
	Relation []string
	Polarity []string
	Hooks    [][]string
	Actors   []string
	Chains   []ChainPair
	Window   int
}

// CuesFromIntent derives the scan vocabulary from the fused intent and the
// optional reasoner plan. Chains come from plan relations; everything else
// from the intent itself.
func CuesFromIntent(ci canonical.Intent, plan *reasoner.Plan) Cues {
	cues := Cues{
		Relation: legaltext.UniqueStrings(append(append([]string{}, baseRelationCues...), ci.TransitionAliases...)),
		Polarity: legaltext.UniqueStrings(append(legaltext.PolarityTerms(ci.OutcomePolarity), ci.Outcomes...)),
		Actors:   ci.Actors,
		Window:   defaultChainWindow,
	}
	for _, g := range ci.HookGroups {
		if len(g.Terms) > 0 {
			cues.Hooks = append(cues.Hooks, g.Terms)
		}
	}
	if plan != nil {
		groups := make(map[string][]string, len(plan.Proposition.HookGroups))
		for _, g := range plan.Proposition.HookGroups {
			groups[g.GroupID] = g.Terms
		}
		for _, rel := range plan.Proposition.Relations {
			left, right := groups[rel.LeftGroupID], groups[rel.RightGroupID]
			if len(left) > 0 && len(right) > 0 {
				cues.Chains = append(cues.Chains, ChainPair{Left: left, Right: right})
			}
		}
	}
	return cues
}

// ScanEvidence counts the sentence classes in a detail text. The counts
// feed the scorer and the proposition gate as quality signals.
func ScanEvidence(text string, cues Cues) *search.EvidenceQuality {
	q := &search.EvidenceQuality{}
	if strings.TrimSpace(text) == "" {
		return q
	}
	window := cues.Window
	if window <= 0 {
		window = defaultChainWindow
	}
	for _, sentence := range legaltext.SplitSentences(text) {
		low := strings.ToLower(sentence)

		hasRelation := legaltext.ContainsAny(low, cues.Relation)
		hasPolarity := legaltext.ContainsAny(low, cues.Polarity)
		if hasRelation {
			q.RelationSentences++
		}
		if hasPolarity {
			q.PolaritySentences++
		}

		// A hook intersection needs two distinct groups plus a relation or
		// polarity cue in the same sentence.
		if hasRelation || hasPolarity {
			distinct := 0
			for _, group := range cues.Hooks {
				if legaltext.ContainsAny(low, group) {
					distinct++
					if distinct >= 2 {
						q.HookIntersections++
						break
					}
				}
			}
		}

		if legaltext.ContainsAny(low, cues.Actors) && legaltext.ContainsAny(low, roleMarkers) {
			q.RoleSentences++
		}

		for _, chain := range cues.Chains {
			if chainHit(low, chain, window) {
				q.ChainSentences++
				break
			}
		}
	}
	return q
}

// chainHit reports whether any left term falls within the window of any
// right term. Both sides are bounded to keep the scan linear.
func chainHit(low string, chain ChainPair, window int) bool {
	for _, l := range legaltext.Truncate(chain.Left, 4) {
		for _, r := range legaltext.Truncate(chain.Right, 4) {
			if legaltext.ContainsNear(low, l, r, window) {
				return true
			}
		}
	}
	return false
}
