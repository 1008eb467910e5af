// Package scope maps the analysis record's query scope onto concrete
// principal sets and filters. It contains no relation table; who "儿子"
// refers to comes entirely from the household view.
package scope

import (
	"github.com/guanpeibj/family-ai-assistant/internal/household"
)

// Scopes emitted by analysis.
const (
	Family   = "family"
	Thread   = "thread"
	Personal = "personal"
)

// Self markers that always mean the current principal.
var selfMarkers = map[string]bool{
	"我":  true,
	"我的": true,
	"me": true,
	"my": true,
}

// Resolution is the outcome of resolving one scope.
type Resolution struct {
	// UserIDs is the principal set to query. Empty means resolution
	// failed and the caller must not guess.
	UserIDs []string

	// ThreadID is set for thread scope and becomes a filter.
	ThreadID string

	// Resolved is false when a named person could not be matched.
	Resolved bool

	// SharedThread marks a query over a family-shared thread, which
	// carries its own result limit.
	SharedThread bool
}

// Request carries the inputs to one resolution.
type Request struct {
	Scope            string
	PersonOrKey      string
	CurrentPrincipal string
	ThreadID         string
	View             *household.View
}

// Resolve maps a scope request to a principal set. Unknown scopes fall
// back to personal-self rather than failing, since the scope string
// comes from the LLM.
func Resolve(req Request) Resolution {
	switch req.Scope {
	case Family:
		ids := req.View.FamilyPrincipals
		if len(ids) == 0 {
			ids = []string{req.CurrentPrincipal}
		}
		return Resolution{UserIDs: ids, Resolved: true, SharedThread: req.ThreadID != ""}

	case Thread:
		return Resolution{
			UserIDs:  []string{req.CurrentPrincipal},
			ThreadID: req.ThreadID,
			Resolved: true,
		}

	default: // Personal and anything unrecognized.
		key := req.PersonOrKey
		if key == "" || selfMarkers[key] {
			return Resolution{UserIDs: []string{req.CurrentPrincipal}, Resolved: true}
		}

		member, ok := req.View.MemberByKeyOrName(key)
		if !ok || member.PrincipalID == "" {
			return Resolution{}
		}
		return Resolution{UserIDs: []string{member.PrincipalID}, Resolved: true}
	}
}
