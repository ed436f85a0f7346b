package sqlstore

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/nielsarts/ai-authz-engine/internal/provider"
)

// ImportFixtures upserts fixtures into the store in a single transaction.
// User group memberships of every user named in the fixtures are replaced.
func (s *Store) ImportFixtures(ctx context.Context, f *provider.Fixtures) (err error) {
	if f == nil {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer txClose(tx, &err, s.logger)

	for _, app := range f.Applications {
		const query = `INSERT OR REPLACE INTO applications (id, application_key, name, status, vector_dbs)
			VALUES ($1, $2, $3, $4, $5)`
		if _, err = tx.ExecContext(ctx, query, app.ID, app.Key, app.Name, int(app.Status), StringList(app.VectorDBs)); err != nil {
			return fmt.Errorf("failed to import application %q: %w", app.Key, err)
		}
	}

	for _, cfg := range f.ApplicationConfigs {
		const query = `INSERT OR REPLACE INTO application_configs (id, application_key, allowed_users, allowed_groups,
			allowed_roles, denied_users, denied_groups, denied_roles)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
		if _, err = tx.ExecContext(ctx, query, cfg.ID, cfg.ApplicationKey,
			StringList(cfg.AllowedUsers), StringList(cfg.AllowedGroups), StringList(cfg.AllowedRoles),
			StringList(cfg.DeniedUsers), StringList(cfg.DeniedGroups), StringList(cfg.DeniedRoles)); err != nil {
			return fmt.Errorf("failed to import application config %d: %w", cfg.ID, err)
		}
	}

	for _, p := range f.TraitPolicies {
		const query = `INSERT OR REPLACE INTO trait_policies (id, application_key, description, traits, user_list,
			group_list, role_list, prompt, reply, enriched_prompt)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
		if _, err = tx.ExecContext(ctx, query, p.ID, p.ApplicationKey, p.Description,
			StringList(p.Traits), StringList(p.Users), StringList(p.Groups), StringList(p.Roles),
			string(p.PromptVerdict), string(p.ReplyVerdict), string(p.EnrichedPromptVerdict)); err != nil {
			return fmt.Errorf("failed to import trait policy %d: %w", p.ID, err)
		}
	}

	for _, v := range f.VectorDBs {
		const query = `INSERT OR REPLACE INTO vector_dbs (id, name, type, status, user_enforcement, group_enforcement)
			VALUES ($1, $2, $3, $4, $5, $6)`
		if _, err = tx.ExecContext(ctx, query, v.ID, v.Name, string(v.Type), int(v.Status), v.UserEnforcement, v.GroupEnforcement); err != nil {
			return fmt.Errorf("failed to import vector db %q: %w", v.Name, err)
		}
	}

	for _, p := range f.VectorDBPolicies {
		const query = `INSERT OR REPLACE INTO vector_db_policies (id, vector_db_id, description, allowed_users,
			allowed_groups, allowed_roles, denied_users, denied_groups, denied_roles,
			metadata_key, metadata_value, operator)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
		if _, err = tx.ExecContext(ctx, query, p.ID, p.VectorDBID, p.Description,
			StringList(p.AllowedUsers), StringList(p.AllowedGroups), StringList(p.AllowedRoles),
			StringList(p.DeniedUsers), StringList(p.DeniedGroups), StringList(p.DeniedRoles),
			p.MetadataKey, p.MetadataValue, string(p.Operator)); err != nil {
			return fmt.Errorf("failed to import vector db policy %d: %w", p.ID, err)
		}
	}

	users := make([]string, 0, len(f.UserGroups))
	for user := range f.UserGroups {
		users = append(users, user)
	}
	slices.Sort(users)
	for _, user := range users {
		if _, err = tx.ExecContext(ctx, `DELETE FROM user_groups WHERE user_name = $1`, user); err != nil {
			return fmt.Errorf("failed to reset groups of %q: %w", user, err)
		}
		for _, group := range f.UserGroups[user] {
			const query = `INSERT OR IGNORE INTO user_groups (user_name, group_name) VALUES ($1, $2)`
			if _, err = tx.ExecContext(ctx, query, user, group); err != nil {
				return fmt.Errorf("failed to import group %q of %q: %w", group, user, err)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit fixtures: %w", err)
	}

	s.logger.Info("imported fixtures",
		zap.Int("applications", len(f.Applications)),
		zap.Int("trait_policies", len(f.TraitPolicies)),
		zap.Int("vector_dbs", len(f.VectorDBs)),
		zap.Int("vector_db_policies", len(f.VectorDBPolicies)),
	)
	return nil
}
