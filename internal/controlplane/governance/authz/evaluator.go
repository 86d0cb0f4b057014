// Package authz implements the pure authorization evaluator for governed
// actions: given an operator's role permissions and active delegations, it
// decides whether an intent against a set of connectors is allowed.
package authz

import (
	"sort"
	"strings"
	"time"
)

// Delegation is a grant of authority from one operator to another.
type Delegation struct {
	ID         string
	Delegator  string
	From       time.Time
	Until      time.Time
	Scope      []string
	Precedence int
	HasUntil   bool
}

// Query describes one authorization request.
type Query struct {
	OperatorID  string
	Permissions []string
	Delegations []Delegation
	Intent      string
	Connectors  []string
	Now         time.Time
}

// DelegationEvaluation is the diagnostic record of how delegations were
// considered for a query.
type DelegationEvaluation struct {
	Source     string   // "role" | "delegation" | ""
	Ambiguous  bool
	Considered []string
}

// Decision is the result of evaluating a Query.
type Decision struct {
	Allowed        bool
	Required       []string
	DelegationUsed string
	Reason         string
	Evaluation     DelegationEvaluation
}

// requiredPermissions maps (intent) to the required permission set per the
// deterministic table: everything not explicitly listed defaults to deploy.
func requiredPermissions(intent string) []string {
	switch {
	case intent == "deploy_policy", intent == "open_repository", intent == "update_config":
		return []string{"deploy"}
	case intent == "seal_record":
		return []string{"seal"}
	case strings.HasPrefix(intent, "notify_"):
		return []string{"notify"}
	case strings.HasPrefix(intent, "archive_"):
		return []string{"archive"}
	default:
		return []string{"deploy"}
	}
}

// Evaluate is a pure function: the same Query always yields the same Decision.
func Evaluate(q Query) Decision {
	required := requiredPermissions(q.Intent)

	if hasAll(q.Permissions, required) {
		return Decision{
			Allowed:  true,
			Required: required,
			Evaluation: DelegationEvaluation{
				Source: "role",
			},
		}
	}

	now := q.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var candidates []Delegation
	var considered []string
	for _, d := range q.Delegations {
		if !delegationActive(d, now) {
			continue
		}
		if !scopeSatisfies(d.Scope, q.Intent, required, q.Connectors) {
			continue
		}
		candidates = append(candidates, d)
		considered = append(considered, d.ID)
	}

	if len(candidates) == 0 {
		return Decision{
			Allowed:  false,
			Required: required,
			Reason:   "insufficient_permissions",
			Evaluation: DelegationEvaluation{
				Considered: considered,
			},
		}
	}

	winner, ambiguous := selectWinner(candidates)
	if ambiguous {
		return Decision{
			Allowed:  false,
			Required: required,
			Reason:   "delegation_ambiguity",
			Evaluation: DelegationEvaluation{
				Ambiguous:  true,
				Considered: considered,
			},
		}
	}

	return Decision{
		Allowed:        true,
		Required:       required,
		DelegationUsed: winner.ID,
		Evaluation: DelegationEvaluation{
			Source:     "delegation",
			Considered: considered,
		},
	}
}

func hasAll(have []string, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, p := range have {
		set[p] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}

func delegationActive(d Delegation, now time.Time) bool {
	if d.From.After(now) {
		return false
	}
	if d.HasUntil && !now.Before(d.Until) {
		return false
	}
	return true
}

func scopeSatisfies(scope []string, intent string, required []string, connectors []string) bool {
	for _, raw := range scope {
		s := strings.TrimSpace(raw)
		switch {
		case s == "*":
			return true
		case s == intent:
			return true
		case strings.HasPrefix(s, "intent:") && strings.TrimPrefix(s, "intent:") == intent:
			return true
		case strings.HasPrefix(s, "permission:"):
			p := strings.TrimPrefix(s, "permission:")
			for _, r := range required {
				if p == r {
					return true
				}
			}
		case strings.HasPrefix(s, "connector:"):
			c := strings.TrimPrefix(s, "connector:")
			for _, conn := range connectors {
				if c == conn {
					return true
				}
			}
		}
	}
	return false
}

// selectWinner picks the delegation with highest precedence, then earliest
// From. Ties on both axes are reported as ambiguous.
func selectWinner(candidates []Delegation) (Delegation, bool) {
	sorted := make([]Delegation, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Precedence != sorted[j].Precedence {
			return sorted[i].Precedence > sorted[j].Precedence
		}
		return sorted[i].From.Before(sorted[j].From)
	})

	best := sorted[0]
	tied := 1
	for _, d := range sorted[1:] {
		if d.Precedence == best.Precedence && d.From.Equal(best.From) {
			tied++
			continue
		}
		break
	}
	return best, tied > 1
}
