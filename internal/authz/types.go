// Package authz implements the authorization decision engine: application
// and trait policy evaluation for prompts and replies, and row-level filter
// compilation for vector database reads.
package authz

import (
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/nielsarts/ai-authz-engine/internal/provider"
)

// Operation names used in errors, logs and telemetry.
const (
	OperationAuthorize         = "authorize"
	OperationAuthorizeVectorDB = "authorize_vector_db"
)

// Denial reasons.
const (
	ReasonApplicationDisabled = "Application is disabled"
	ReasonExplicitDeny        = "Explicit deny access to Application"
	ReasonTraitPolicyDeny     = "Access denied by trait policy"
	ReasonNoPolicy            = "No policy allows access to Application"
	ReasonNoVectorDB          = "No Vector DB assigned to application"
	ReasonVectorDBDisabled    = "Vector DB is disabled"
)

// Status codes reported in AuthzResponse.
const (
	StatusAuthorized = 200
	StatusDenied     = 403
)

// -----------------------------------------------------------------------------
// Request Types
// -----------------------------------------------------------------------------

// AuthzRequest asks whether a user may send or receive content carrying the
// given traits through an application.
type AuthzRequest struct {
	RequestID      string         `json:"request_id"`                          // Correlation id, echoed back
	ThreadID       string         `json:"thread_id,omitempty"`                 // Conversation id, echoed back
	SequenceNumber int64          `json:"sequence_number,omitempty"`           // Position in the thread, echoed back
	UserID         string         `json:"user_id" validate:"required"`         // The requesting user
	ApplicationKey string         `json:"application_key" validate:"required"` // The governed application
	Traits         []string       `json:"traits"`                              // Traits detected in the content
	RequestType    string         `json:"request_type" validate:"required"`    // prompt, reply or enriched_prompt
	UserRole       string         `json:"user_role,omitempty"`                 // Role of the user in the application
	Context        map[string]any `json:"context,omitempty"`                   // Free-form caller context
}

// VectorDBAuthzRequest asks for the row filter of the application's vector
// database for a user.
type VectorDBAuthzRequest struct {
	RequestID      string         `json:"request_id"`
	ThreadID       string         `json:"thread_id,omitempty"`
	SequenceNumber int64          `json:"sequence_number,omitempty"`
	UserID         string         `json:"user_id" validate:"required"`
	ApplicationKey string         `json:"application_key" validate:"required"`
	Context        map[string]any `json:"context,omitempty"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validate checks the struct tags of a request.
func Validate(req any) error {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate.Struct(req)
}

// -----------------------------------------------------------------------------
// Response Types
// -----------------------------------------------------------------------------

// AuthzResponse is the verdict for an AuthzRequest.
type AuthzResponse struct {
	RequestID       string            `json:"request_id"`
	ThreadID        string            `json:"thread_id,omitempty"`
	SequenceNumber  int64             `json:"sequence_number,omitempty"`
	UserID          string            `json:"user_id"`
	ApplicationKey  string            `json:"application_key"`
	ApplicationName string            `json:"application_name,omitempty"`
	Authorized      bool              `json:"authorized"`
	MaskedTraits    map[string]string `json:"masked_traits"` // Trait name to redaction placeholder
	PolicyIDs       []int64           `json:"policy_ids"`    // Contributing policies, ascending
	Reason          string            `json:"reason,omitempty"`
	StatusCode      int               `json:"status_code"`
}

// VectorDBAuthzResponse carries the row filter for a vector database read.
// An empty FilterExpression means no row constraint applies.
type VectorDBAuthzResponse struct {
	RequestID        string                    `json:"request_id"`
	ThreadID         string                    `json:"thread_id,omitempty"`
	SequenceNumber   int64                     `json:"sequence_number,omitempty"`
	UserID           string                    `json:"user_id"`
	ApplicationKey   string                    `json:"application_key"`
	VectorDBID       int64                     `json:"vector_db_id,omitempty"`
	VectorDBName     string                    `json:"vector_db_name,omitempty"`
	VectorDBType     string                    `json:"vector_db_type,omitempty"`
	UserEnforcement  bool                      `json:"user_enforcement"`
	GroupEnforcement bool                      `json:"group_enforcement"`
	Policies         []provider.VectorDBPolicy `json:"vector_db_policies"`
	FilterExpression string                    `json:"filter_expression"`
	Reason           string                    `json:"reason,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
