package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Household groups family members and holds household-wide config blobs
// (seasonal hints, important info, contacts) owned by family_default.
type Household struct {
	ID        string
	Name      string
	Config    map[string]any
	Members   []*FamilyMember
	CreatedAt time.Time
}

// FamilyMember is one person in a household.
type FamilyMember struct {
	ID          string
	HouseholdID string
	MemberKey   string
	DisplayName string
	Role        string
	LifeStatus  string
	Profile     map[string]any
	// Accounts are channel addresses bound to this member.
	Accounts []MemberAccount
}

// MemberAccount binds a member to a channel address.
type MemberAccount struct {
	Channel       string
	ChannelUserID string
}

// HouseholdForPrincipal loads the household containing the member whose
// account resolves to the given principal ID, with members and accounts.
// Returns ErrNotFound when the principal belongs to no household.
func (s *Store) HouseholdForPrincipal(ctx context.Context, principalID string) (*Household, error) {
	var householdID string
	err := s.db.QueryRowContext(ctx, `
		SELECT fm.household_id
		FROM family_members fm
		JOIN family_member_accounts fma ON fma.member_id = fm.id
		JOIN user_channels uc ON uc.channel = fma.channel AND uc.channel_user_id = fma.channel_user_id
		WHERE uc.user_id = $1
		LIMIT 1
	`, principalID).Scan(&householdID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("household for principal %s: %w", principalID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find household: %w", err)
	}
	return s.GetHousehold(ctx, householdID)
}

// GetHousehold loads one household with all members and their accounts.
func (s *Store) GetHousehold(ctx context.Context, id string) (*Household, error) {
	var (
		h   Household
		cfg []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, config, created_at FROM households WHERE id = $1
	`, id).Scan(&h.ID, &h.Name, &cfg, &h.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("household %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get household: %w", err)
	}
	if err := json.Unmarshal(cfg, &h.Config); err != nil {
		return nil, fmt.Errorf("decode household config: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, household_id, member_key, display_name, role, COALESCE(life_status, ''), profile
		FROM family_members WHERE household_id = $1 ORDER BY member_key
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	memberByID := map[string]*FamilyMember{}
	for rows.Next() {
		var (
			m       FamilyMember
			profile []byte
		)
		if err := rows.Scan(&m.ID, &m.HouseholdID, &m.MemberKey, &m.DisplayName, &m.Role, &m.LifeStatus, &profile); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		if err := json.Unmarshal(profile, &m.Profile); err != nil {
			return nil, fmt.Errorf("decode member profile: %w", err)
		}
		h.Members = append(h.Members, &m)
		memberByID[m.ID] = &m
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	accountRows, err := s.db.QueryContext(ctx, `
		SELECT fma.member_id, fma.channel, fma.channel_user_id
		FROM family_member_accounts fma
		JOIN family_members fm ON fm.id = fma.member_id
		WHERE fm.household_id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query member accounts: %w", err)
	}
	defer accountRows.Close()

	for accountRows.Next() {
		var (
			memberID string
			account  MemberAccount
		)
		if err := accountRows.Scan(&memberID, &account.Channel, &account.ChannelUserID); err != nil {
			return nil, fmt.Errorf("scan member account: %w", err)
		}
		if m, ok := memberByID[memberID]; ok {
			m.Accounts = append(m.Accounts, account)
		}
	}
	return &h, accountRows.Err()
}

// PrincipalsForAccounts maps member channel accounts to principal IDs
// via user_channels. Accounts without bindings are skipped.
func (s *Store) PrincipalsForAccounts(ctx context.Context, accounts []MemberAccount) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	for _, a := range accounts {
		id, err := s.ResolveChannelUser(ctx, a.Channel, a.ChannelUserID)
		if err != nil {
			continue
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, nil
}
