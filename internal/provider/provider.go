// Package provider defines the data the authorization engine reads and the
// contract of the collaborators that supply it. Implementations may query a
// database, a static fixture file or a remote service; the engine only
// depends on the DataProvider interface.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nielsarts/ai-authz-engine/internal/filter"
)

// ErrNotFound is returned by a DataProvider when the requested application,
// configuration or vector database does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidPolicy is returned when a stored policy carries a verdict or a
// metadata criterion the engine cannot evaluate.
var ErrInvalidPolicy = errors.New("invalid policy")

// PublicGroup is the group every user implicitly belongs to for application
// level authorization.
const PublicGroup = "public"

// -----------------------------------------------------------------------------
// Core Types
// -----------------------------------------------------------------------------

// Status is the enabled/disabled state of an application or vector database.
type Status int

const (
	StatusDisabled Status = 0
	StatusEnabled  Status = 1
)

// Application is a governed AI application.
type Application struct {
	ID        int64    `json:"id" yaml:"id"`
	Key       string   `json:"application_key" yaml:"key"`
	Name      string   `json:"name" yaml:"name"`
	Status    Status   `json:"status" yaml:"status"`
	VectorDBs []string `json:"vector_dbs,omitempty" yaml:"vector_dbs,omitempty"` // Names of associated vector databases
}

// Enabled reports whether the application accepts requests.
func (a *Application) Enabled() bool {
	return a.Status == StatusEnabled
}

// ApplicationConfig holds the application level allow and deny lists.
type ApplicationConfig struct {
	ID             int64    `json:"id" yaml:"id"`
	ApplicationKey string   `json:"application_key" yaml:"application_key"`
	AllowedUsers   []string `json:"allowed_users,omitempty" yaml:"allowed_users,omitempty"`
	AllowedGroups  []string `json:"allowed_groups,omitempty" yaml:"allowed_groups,omitempty"`
	AllowedRoles   []string `json:"allowed_roles,omitempty" yaml:"allowed_roles,omitempty"`
	DeniedUsers    []string `json:"denied_users,omitempty" yaml:"denied_users,omitempty"`
	DeniedGroups   []string `json:"denied_groups,omitempty" yaml:"denied_groups,omitempty"`
	DeniedRoles    []string `json:"denied_roles,omitempty" yaml:"denied_roles,omitempty"`
}

// Phase is the pipeline stage a request is authorized for.
type Phase string

const (
	PhasePrompt         Phase = "prompt"
	PhaseReply          Phase = "reply"
	PhaseEnrichedPrompt Phase = "enriched_prompt"
)

// ParsePhase normalizes a request phase name.
func ParsePhase(s string) (Phase, bool) {
	switch Phase(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")) {
	case PhasePrompt:
		return PhasePrompt, true
	case PhaseReply:
		return PhaseReply, true
	case PhaseEnrichedPrompt:
		return PhaseEnrichedPrompt, true
	}
	return "", false
}

// Verdict is the outcome a trait policy assigns to a phase.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictDeny  Verdict = "deny"
)

// ParseVerdict normalizes a stored verdict. The empty verdict is valid and
// means the policy does not govern the phase.
func ParseVerdict(s string) (Verdict, error) {
	switch v := normalizeVerdict(Verdict(s)); v {
	case "", VerdictAllow, VerdictDeny:
		return v, nil
	}
	return "", fmt.Errorf("%w: unknown verdict %q", ErrInvalidPolicy, s)
}

// TraitPolicy governs a set of traits of one application for the listed
// principals. Each phase carries its own verdict; an empty verdict means the
// policy does not govern that phase.
type TraitPolicy struct {
	ID                    int64    `json:"id" yaml:"id"`
	ApplicationKey        string   `json:"application_key" yaml:"application_key"`
	Description           string   `json:"description,omitempty" yaml:"description,omitempty"`
	Traits                []string `json:"tags" yaml:"traits"`
	Users                 []string `json:"users,omitempty" yaml:"users,omitempty"`
	Groups                []string `json:"groups,omitempty" yaml:"groups,omitempty"`
	Roles                 []string `json:"roles,omitempty" yaml:"roles,omitempty"`
	PromptVerdict         Verdict  `json:"prompt" yaml:"prompt"`
	ReplyVerdict          Verdict  `json:"reply" yaml:"reply"`
	EnrichedPromptVerdict Verdict  `json:"enriched_prompt" yaml:"enriched_prompt"`
}

// VerdictFor returns the policy verdict for phase.
func (p *TraitPolicy) VerdictFor(phase Phase) Verdict {
	switch phase {
	case PhasePrompt:
		return normalizeVerdict(p.PromptVerdict)
	case PhaseReply:
		return normalizeVerdict(p.ReplyVerdict)
	case PhaseEnrichedPrompt:
		return normalizeVerdict(p.EnrichedPromptVerdict)
	}
	return ""
}

func normalizeVerdict(v Verdict) Verdict {
	return Verdict(strings.ToLower(strings.TrimSpace(string(v))))
}

// Normalize validates the phase verdicts and rewrites them in canonical form.
func (p *TraitPolicy) Normalize() error {
	for _, v := range []*Verdict{&p.PromptVerdict, &p.ReplyVerdict, &p.EnrichedPromptVerdict} {
		parsed, err := ParseVerdict(string(*v))
		if err != nil {
			return fmt.Errorf("trait policy %d: %w", p.ID, err)
		}
		*v = parsed
	}
	return nil
}

// VectorDB is a vector database that serves retrieval for applications.
type VectorDB struct {
	ID               int64          `json:"id" yaml:"id"`
	Name             string         `json:"name" yaml:"name"`
	Type             filter.Backend `json:"type" yaml:"type"`
	Status           Status         `json:"status" yaml:"status"`
	UserEnforcement  bool           `json:"user_enforcement" yaml:"user_enforcement"`
	GroupEnforcement bool           `json:"group_enforcement" yaml:"group_enforcement"`
}

// Enabled reports whether the vector database is active.
func (v *VectorDB) Enabled() bool {
	return v.Status == StatusEnabled
}

// VectorDBPolicy is a row-level policy of a vector database.
type VectorDBPolicy struct {
	ID            int64           `json:"id" yaml:"id"`
	VectorDBID    int64           `json:"vector_db_id" yaml:"vector_db_id"`
	Description   string          `json:"description,omitempty" yaml:"description,omitempty"`
	AllowedUsers  []string        `json:"allowed_users,omitempty" yaml:"allowed_users,omitempty"`
	AllowedGroups []string        `json:"allowed_groups,omitempty" yaml:"allowed_groups,omitempty"`
	AllowedRoles  []string        `json:"allowed_roles,omitempty" yaml:"allowed_roles,omitempty"`
	DeniedUsers   []string        `json:"denied_users,omitempty" yaml:"denied_users,omitempty"`
	DeniedGroups  []string        `json:"denied_groups,omitempty" yaml:"denied_groups,omitempty"`
	DeniedRoles   []string        `json:"denied_roles,omitempty" yaml:"denied_roles,omitempty"`
	MetadataKey   string          `json:"metadata_key,omitempty" yaml:"metadata_key,omitempty"`
	MetadataValue string          `json:"metadata_value,omitempty" yaml:"metadata_value,omitempty"`
	Operator      filter.Operator `json:"operator,omitempty" yaml:"operator,omitempty"`
}

// MetadataCriterion implements filter.RowPolicy. A policy with neither a
// metadata key nor a value gates on principals only.
func (p VectorDBPolicy) MetadataCriterion() (string, string, filter.Operator, bool) {
	if p.MetadataKey == "" && p.MetadataValue == "" {
		return "", "", "", false
	}
	return p.MetadataKey, p.MetadataValue, p.Operator, true
}

// Normalize validates the metadata criterion and rewrites its operator in
// canonical form. Principal-only policies are left untouched.
func (p *VectorDBPolicy) Normalize() error {
	if p.MetadataKey == "" && p.MetadataValue == "" {
		return nil
	}
	if p.MetadataKey == "" || p.MetadataValue == "" {
		return fmt.Errorf("%w: vector db policy %d: incomplete metadata criterion", ErrInvalidPolicy, p.ID)
	}
	op, err := filter.ParseOperator(string(p.Operator))
	if err != nil {
		return fmt.Errorf("%w: vector db policy %d: %w", ErrInvalidPolicy, p.ID, err)
	}
	p.Operator = op
	return nil
}

// -----------------------------------------------------------------------------
// DataProvider Interface
// -----------------------------------------------------------------------------

// DataProvider supplies the engine with application, policy and vector
// database data. Every method may block on remote I/O and must honour ctx.
//
// Policy lists are returned in ascending id order. The engine's first-deny
// rule depends on this order being stable.
type DataProvider interface {
	// GetUserGroups returns the groups the user belongs to.
	GetUserGroups(ctx context.Context, user string) ([]string, error)

	// GetApplicationDetails returns the application by key, or ErrNotFound.
	GetApplicationDetails(ctx context.Context, appKey string) (*Application, error)

	// GetApplicationConfig returns the application's allow/deny configuration,
	// or ErrNotFound when none is defined.
	GetApplicationConfig(ctx context.Context, appKey string) (*ApplicationConfig, error)

	// GetApplicationPolicies returns the trait policies of the application
	// that govern any of traits for the user, one of groups or role, and
	// that carry a verdict for phase.
	GetApplicationPolicies(ctx context.Context, q PolicyQuery) ([]TraitPolicy, error)

	// GetVectorDBDetails returns the vector database by name, or ErrNotFound.
	GetVectorDBDetails(ctx context.Context, name string) (*VectorDB, error)

	// GetVectorDBPolicies returns the row policies of the vector database
	// that list the user or one of groups.
	GetVectorDBPolicies(ctx context.Context, vectorDBID int64, user string, groups []string) ([]VectorDBPolicy, error)
}

// PolicyQuery selects trait policies for one request.
type PolicyQuery struct {
	ApplicationKey string
	Traits         []string
	User           string
	Groups         []string
	Role           string
	Phase          Phase
}
