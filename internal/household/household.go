// Package household builds the per-principal household view: the member
// index used by scope resolution and the family principal set used for
// family-wide reads. Views are cached with a short TTL so a burst of
// messages from one family hits the database once.
package household

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/guanpeibj/family-ai-assistant/internal/infra"
	"github.com/guanpeibj/family-ai-assistant/internal/observability"
	"github.com/guanpeibj/family-ai-assistant/internal/store"
)

// DefaultTTL is how long a household view is reused.
const DefaultTTL = 60 * time.Second

// Member is one household member with their resolved principal ID.
// PrincipalID is empty when the member has no bound channel account.
type Member struct {
	MemberKey   string         `json:"member_key"`
	DisplayName string         `json:"display_name"`
	Role        string         `json:"role,omitempty"`
	LifeStatus  string         `json:"life_status,omitempty"`
	Profile     map[string]any `json:"profile,omitempty"`
	PrincipalID string         `json:"principal_id,omitempty"`
}

// View is the assembled household context for one message.
type View struct {
	HouseholdID string         `json:"household_id,omitempty"`
	Name        string         `json:"name,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
	Members     []*Member      `json:"members,omitempty"`

	// MembersIndex maps member_key to the member, for scope lookups.
	MembersIndex map[string]*Member `json:"members_index,omitempty"`

	// FamilyPrincipals is the principal set for family-scope reads:
	// the configured shared IDs plus every member principal.
	FamilyPrincipals []string `json:"family_principals"`
}

// Provider loads household views.
type Provider struct {
	store  *store.Store
	logger *observability.Logger

	// sharedIDs always participate in family scope (e.g. family_default).
	sharedIDs []string

	cache *infra.TTLCache[string, *View]
}

// NewProvider creates a household provider. sharedIDs are the shared
// family principals included in every family scope.
func NewProvider(st *store.Store, sharedIDs []string, ttl time.Duration, logger *observability.Logger) *Provider {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Provider{
		store:     st,
		logger:    logger,
		sharedIDs: sharedIDs,
		cache:     infra.NewTTLCache[string, *View](infra.CacheConfig{DefaultTTL: ttl, MaxSize: 512}),
	}
}

// ViewFor returns the household view for a principal. Principals outside
// any household get a minimal view whose family scope is the shared IDs
// plus themselves.
func (p *Provider) ViewFor(ctx context.Context, principalID string) (*View, error) {
	if cached, ok := p.cache.Get(principalID); ok {
		return cached, nil
	}

	start := time.Now()
	view, err := p.build(ctx, principalID)
	if err != nil {
		return nil, err
	}
	p.logger.Step(ctx, "household.view", start, "household_id", view.HouseholdID)

	p.cache.Set(principalID, view)
	return view, nil
}

func (p *Provider) build(ctx context.Context, principalID string) (*View, error) {
	h, err := p.store.HouseholdForPrincipal(ctx, principalID)
	if errors.Is(err, store.ErrNotFound) {
		return &View{
			FamilyPrincipals: dedupe(append(append([]string{}, p.sharedIDs...), principalID)),
		}, nil
	}
	if err != nil {
		return nil, err
	}

	view := &View{
		HouseholdID:  h.ID,
		Name:         h.Name,
		Config:       h.Config,
		MembersIndex: make(map[string]*Member, len(h.Members)),
	}

	principals := append([]string{}, p.sharedIDs...)
	principals = append(principals, principalID)
	for _, fm := range h.Members {
		m := &Member{
			MemberKey:   fm.MemberKey,
			DisplayName: fm.DisplayName,
			Role:        fm.Role,
			LifeStatus:  fm.LifeStatus,
			Profile:     fm.Profile,
		}
		if ids, err := p.store.PrincipalsForAccounts(ctx, fm.Accounts); err == nil && len(ids) > 0 {
			m.PrincipalID = ids[0]
			principals = append(principals, ids...)
		}
		view.Members = append(view.Members, m)
		view.MembersIndex[fm.MemberKey] = m
	}
	view.FamilyPrincipals = dedupe(principals)
	return view, nil
}

// MemberByKeyOrName finds a member by member_key, then by display name
// case-insensitively.
func (v *View) MemberByKeyOrName(key string) (*Member, bool) {
	if v == nil || key == "" {
		return nil, false
	}
	if m, ok := v.MembersIndex[key]; ok {
		return m, true
	}
	for _, m := range v.Members {
		if strings.EqualFold(m.DisplayName, key) {
			return m, true
		}
	}
	return nil, false
}

// Flush drops all cached views, for tests and config reloads.
func (p *Provider) Flush() { p.cache.Flush() }

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
