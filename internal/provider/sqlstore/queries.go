package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nielsarts/ai-authz-engine/internal/filter"
	"github.com/nielsarts/ai-authz-engine/internal/provider"
)

var _ provider.DataProvider = (*Store)(nil)

type applicationRow struct {
	ID        int64      `db:"id"`
	Key       string     `db:"application_key"`
	Name      string     `db:"name"`
	Status    int        `db:"status"`
	VectorDBs StringList `db:"vector_dbs"`
}

type applicationConfigRow struct {
	ID             int64      `db:"id"`
	ApplicationKey string     `db:"application_key"`
	AllowedUsers   StringList `db:"allowed_users"`
	AllowedGroups  StringList `db:"allowed_groups"`
	AllowedRoles   StringList `db:"allowed_roles"`
	DeniedUsers    StringList `db:"denied_users"`
	DeniedGroups   StringList `db:"denied_groups"`
	DeniedRoles    StringList `db:"denied_roles"`
}

type traitPolicyRow struct {
	ID             int64      `db:"id"`
	ApplicationKey string     `db:"application_key"`
	Description    string     `db:"description"`
	Traits         StringList `db:"traits"`
	Users          StringList `db:"user_list"`
	Groups         StringList `db:"group_list"`
	Roles          StringList `db:"role_list"`
	Prompt         string     `db:"prompt"`
	Reply          string     `db:"reply"`
	EnrichedPrompt string     `db:"enriched_prompt"`
}

type vectorDBRow struct {
	ID               int64  `db:"id"`
	Name             string `db:"name"`
	Type             string `db:"type"`
	Status           int    `db:"status"`
	UserEnforcement  bool   `db:"user_enforcement"`
	GroupEnforcement bool   `db:"group_enforcement"`
}

type vectorDBPolicyRow struct {
	ID            int64      `db:"id"`
	VectorDBID    int64      `db:"vector_db_id"`
	Description   string     `db:"description"`
	AllowedUsers  StringList `db:"allowed_users"`
	AllowedGroups StringList `db:"allowed_groups"`
	AllowedRoles  StringList `db:"allowed_roles"`
	DeniedUsers   StringList `db:"denied_users"`
	DeniedGroups  StringList `db:"denied_groups"`
	DeniedRoles   StringList `db:"denied_roles"`
	MetadataKey   string     `db:"metadata_key"`
	MetadataValue string     `db:"metadata_value"`
	Operator      string     `db:"operator"`
}

// -----------------------------------------------------------------------------
// DataProvider
// -----------------------------------------------------------------------------

func (s *Store) GetUserGroups(ctx context.Context, user string) ([]string, error) {
	const query = `SELECT group_name FROM user_groups WHERE user_name = $1 ORDER BY group_name`

	var groups []string
	if err := s.db.SelectContext(ctx, &groups, query, user); err != nil {
		return nil, fmt.Errorf("select user groups: %w", err)
	}
	return groups, nil
}

func (s *Store) GetApplicationDetails(ctx context.Context, appKey string) (*provider.Application, error) {
	const query = `SELECT id, application_key, name, status, vector_dbs FROM applications WHERE application_key = $1`

	var row applicationRow
	if err := s.db.GetContext(ctx, &row, query, appKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("application %q: %w", appKey, provider.ErrNotFound)
		}
		return nil, fmt.Errorf("select application: %w", err)
	}
	return &provider.Application{
		ID:        row.ID,
		Key:       row.Key,
		Name:      row.Name,
		Status:    provider.Status(row.Status),
		VectorDBs: row.VectorDBs,
	}, nil
}

func (s *Store) GetApplicationConfig(ctx context.Context, appKey string) (*provider.ApplicationConfig, error) {
	const query = `SELECT id, application_key, allowed_users, allowed_groups, allowed_roles,
		denied_users, denied_groups, denied_roles
		FROM application_configs WHERE application_key = $1`

	var row applicationConfigRow
	if err := s.db.GetContext(ctx, &row, query, appKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("application config %q: %w", appKey, provider.ErrNotFound)
		}
		return nil, fmt.Errorf("select application config: %w", err)
	}
	return &provider.ApplicationConfig{
		ID:             row.ID,
		ApplicationKey: row.ApplicationKey,
		AllowedUsers:   row.AllowedUsers,
		AllowedGroups:  row.AllowedGroups,
		AllowedRoles:   row.AllowedRoles,
		DeniedUsers:    row.DeniedUsers,
		DeniedGroups:   row.DeniedGroups,
		DeniedRoles:    row.DeniedRoles,
	}, nil
}

func (s *Store) GetApplicationPolicies(ctx context.Context, q provider.PolicyQuery) ([]provider.TraitPolicy, error) {
	const query = `SELECT id, application_key, description, traits, user_list, group_list, role_list,
		prompt, reply, enriched_prompt
		FROM trait_policies WHERE application_key = $1 ORDER BY id`

	var rows []traitPolicyRow
	if err := s.db.SelectContext(ctx, &rows, query, q.ApplicationKey); err != nil {
		return nil, fmt.Errorf("select trait policies: %w", err)
	}

	var out []provider.TraitPolicy
	for _, row := range rows {
		policy := provider.TraitPolicy{
			ID:                    row.ID,
			ApplicationKey:        row.ApplicationKey,
			Description:           row.Description,
			Traits:                row.Traits,
			Users:                 row.Users,
			Groups:                row.Groups,
			Roles:                 row.Roles,
			PromptVerdict:         provider.Verdict(row.Prompt),
			ReplyVerdict:          provider.Verdict(row.Reply),
			EnrichedPromptVerdict: provider.Verdict(row.EnrichedPrompt),
		}
		if err := policy.Normalize(); err != nil {
			return nil, err
		}
		if provider.MatchesTraitPolicy(&policy, q) {
			out = append(out, policy)
		}
	}
	return out, nil
}

func (s *Store) GetVectorDBDetails(ctx context.Context, name string) (*provider.VectorDB, error) {
	const query = `SELECT id, name, type, status, user_enforcement, group_enforcement FROM vector_dbs WHERE name = $1`

	var row vectorDBRow
	if err := s.db.GetContext(ctx, &row, query, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("vector db %q: %w", name, provider.ErrNotFound)
		}
		return nil, fmt.Errorf("select vector db: %w", err)
	}
	return &provider.VectorDB{
		ID:               row.ID,
		Name:             row.Name,
		Type:             filter.Backend(row.Type),
		Status:           provider.Status(row.Status),
		UserEnforcement:  row.UserEnforcement,
		GroupEnforcement: row.GroupEnforcement,
	}, nil
}

func (s *Store) GetVectorDBPolicies(ctx context.Context, vectorDBID int64, user string, groups []string) ([]provider.VectorDBPolicy, error) {
	const query = `SELECT id, vector_db_id, description, allowed_users, allowed_groups, allowed_roles,
		denied_users, denied_groups, denied_roles, metadata_key, metadata_value, operator
		FROM vector_db_policies WHERE vector_db_id = $1 ORDER BY id`

	var rows []vectorDBPolicyRow
	if err := s.db.SelectContext(ctx, &rows, query, vectorDBID); err != nil {
		return nil, fmt.Errorf("select vector db policies: %w", err)
	}

	var out []provider.VectorDBPolicy
	for _, row := range rows {
		policy := provider.VectorDBPolicy{
			ID:            row.ID,
			VectorDBID:    row.VectorDBID,
			Description:   row.Description,
			AllowedUsers:  row.AllowedUsers,
			AllowedGroups: row.AllowedGroups,
			AllowedRoles:  row.AllowedRoles,
			DeniedUsers:   row.DeniedUsers,
			DeniedGroups:  row.DeniedGroups,
			DeniedRoles:   row.DeniedRoles,
			MetadataKey:   row.MetadataKey,
			MetadataValue: row.MetadataValue,
			Operator:      filter.Operator(row.Operator),
		}
		if err := policy.Normalize(); err != nil {
			return nil, err
		}
		if provider.MatchesVectorDBPolicy(&policy, user, groups) {
			out = append(out, policy)
		}
	}
	return out, nil
}
