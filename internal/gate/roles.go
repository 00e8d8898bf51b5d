package gate

import (
	"strings"

	"lexhound/internal/legaltext"
)

// Procedural roles a query can pin an actor to.
const (
	RoleAppellant   = "appellant"
	RoleRespondent  = "respondent"
	RolePetitioner  = "petitioner"
	RoleProsecution = "prosecution"
)

// roleConstraint pins an actor to the procedural role the judgment must
// show it in. "appeal by the state" is not satisfied by a case where the
// state is the respondent.
type roleConstraint struct {
	Actor string
	Role  string
}

// appellantCues are phrases that, followed by the actor, signal the actor
// brought the proceeding.
var appellantCues = []string{
	"appeal by the ",
	"appeal by ",
	"appeal filed by the ",
	"appeal filed by ",
	"appeal preferred by the ",
	"appeal preferred by ",
	"at the instance of the ",
	"at the instance of ",
}

var petitionerCues = []string{
	"petition by the ",
	"petition by ",
	"petition filed by the ",
	"petition filed by ",
}

// detectRoleConstraints reads the normalised query for role-pinning
// phrases around known actors. At most one constraint per actor.
func detectRoleConstraints(query string, actors []string) []roleConstraint {
	low := legaltext.NormalizeQuery(query)
	tokens := legaltext.Tokenize(low)
	var out []roleConstraint
	for _, actor := range actors {
		a := legaltext.NormalizeQuery(actor)
		if a == "" {
			continue
		}
		role := ""
		switch {
		case a == "prosecution":
			role = RoleProsecution
		case cuedBy(low, appellantCues, a), actorLeadsAppeal(tokens, a):
			role = RoleAppellant
		case cuedBy(low, petitionerCues, a):
			role = RolePetitioner
		case strings.Contains(low, "against the "+a) || strings.Contains(low, "against "+a):
			role = RoleRespondent
		}
		if role != "" {
			out = append(out, roleConstraint{Actor: a, Role: role})
		}
	}
	return out
}

func cuedBy(low string, cues []string, actor string) bool {
	for _, cue := range cues {
		if strings.Contains(low, cue+actor) {
			return true
		}
	}
	return false
}

// actorLeadsAppeal matches "<actor> [adjective] appeal" forms such as
// "state criminal appeal" or "state preferred appeal against acquittal".
func actorLeadsAppeal(tokens []string, actor string) bool {
	actorToks := strings.Fields(actor)
	if len(actorToks) == 0 {
		return false
	}
	last := actorToks[len(actorToks)-1]
	for i, tok := range tokens {
		if tok != last {
			continue
		}
		for j := i + 1; j < len(tokens) && j <= i+3; j++ {
			switch tokens[j] {
			case "appeal", "appeals", "slp", "petition":
				return true
			case "preferred", "filed", "challenged", "challenging":
				continue
			}
		}
	}
	return false
}

// roleSatisfied checks a candidate's text for the actor appearing in the
// pinned role. The title's cause line is the strongest signal: the party
// left of "vs" brought the matter.
func roleSatisfied(title, low, actor, role string) (bool, string) {
	leftParty, rightParty := splitCauseTitle(title)
	switch role {
	case RoleAppellant, RolePetitioner:
		if termHit(leftParty, actor) {
			return true, actor + " named first in cause title"
		}
		marker := "appellant"
		if role == RolePetitioner {
			marker = "petitioner"
		}
		if nearBounded(low, actor, marker, 80) {
			return true, actor + " identified as " + marker
		}
		if nearBounded(low, "appeal", "by the "+actor, 60) ||
			nearBounded(low, "preferred", actor, 60) && strings.Contains(low, "appeal") {
			return true, "appeal brought by " + actor
		}
	case RoleRespondent:
		if termHit(rightParty, actor) {
			return true, actor + " named second in cause title"
		}
		if nearBounded(low, actor, "respondent", 80) {
			return true, actor + " identified as respondent"
		}
	case RoleProsecution:
		if nearBounded(low, actor, "prosecution", 100) || strings.Contains(low, "prosecution") {
			return true, "prosecution context present"
		}
	}
	return false, ""
}

// splitCauseTitle splits "A vs B" style cause titles, lowercased. Either
// side is empty when no separator is found.
func splitCauseTitle(title string) (string, string) {
	low := strings.ToLower(title)
	for _, sep := range []string{" vs. ", " vs ", " v. ", " v ", " versus "} {
		if i := strings.Index(low, sep); i >= 0 {
			return low[:i], low[i+len(sep):]
		}
	}
	return low, ""
}
