package authz

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nielsarts/ai-authz-engine/internal/filter"
	"github.com/nielsarts/ai-authz-engine/internal/provider"
	"github.com/nielsarts/ai-authz-engine/internal/telemetry"
)

// -----------------------------------------------------------------------------
// Authorization Engine
// -----------------------------------------------------------------------------

// Engine answers authorization requests from the data supplied by a
// DataProvider. It keeps no state between calls and is safe for concurrent
// use; caching belongs to the provider.
type Engine struct {
	provider provider.DataProvider
	logger   *zap.Logger
}

// NewEngine creates an engine reading from p.
func NewEngine(p provider.DataProvider, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		provider: p,
		logger:   logger,
	}
}

// Authorize decides whether the user may use the application with the
// requested traits, and which traits must be redacted.
func (e *Engine) Authorize(ctx context.Context, req *AuthzRequest) (*AuthzResponse, error) {
	start := time.Now()
	ctx, span := telemetry.StartDecisionSpan(ctx, OperationAuthorize,
		attribute.String("authz.application", req.ApplicationKey),
		attribute.String("authz.request_type", req.RequestType),
	)
	defer span.End()

	resp, err := e.authorize(ctx, req)

	result := telemetry.ResultError
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("authorization failed",
			zap.String("application", req.ApplicationKey),
			zap.String("user", req.UserID),
			zap.String("request_id", req.RequestID),
			zap.Error(err),
		)
	case resp.Authorized:
		result = telemetry.ResultAllow
	default:
		result = telemetry.ResultDeny
	}
	telemetry.RecordDecision(ctx, OperationAuthorize, result, float64(time.Since(start).Microseconds())/1000)

	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Bool("authz.authorized", resp.Authorized))
	e.logger.Info("authorization decision",
		zap.String("application", req.ApplicationKey),
		zap.String("user", req.UserID),
		zap.String("request_id", req.RequestID),
		zap.String("request_type", req.RequestType),
		zap.Bool("authorized", resp.Authorized),
		zap.Int64s("policy_ids", resp.PolicyIDs),
		zap.String("reason", resp.Reason),
	)
	return resp, nil
}

func (e *Engine) authorize(ctx context.Context, req *AuthzRequest) (*AuthzResponse, error) {
	fail := func(err error) error {
		return &DecisionError{
			Operation:   OperationAuthorize,
			Application: req.ApplicationKey,
			User:        req.UserID,
			Err:         classify(err),
		}
	}

	phase, ok := provider.ParsePhase(req.RequestType)
	if !ok {
		return nil, fail(fmt.Errorf("%w: unknown request type %q", ErrInvalidRequest, req.RequestType))
	}

	resp := &AuthzResponse{
		RequestID:      req.RequestID,
		ThreadID:       req.ThreadID,
		SequenceNumber: req.SequenceNumber,
		UserID:         req.UserID,
		ApplicationKey: req.ApplicationKey,
		MaskedTraits:   map[string]string{},
		PolicyIDs:      []int64{},
	}

	app, err := e.provider.GetApplicationDetails(ctx, req.ApplicationKey)
	if err != nil {
		return nil, fail(err)
	}
	resp.ApplicationName = app.Name

	if !app.Enabled() {
		return deny(resp, ReasonApplicationDisabled), nil
	}

	// Config and group lookups are independent.
	var (
		cfg    *provider.ApplicationConfig
		groups []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := e.provider.GetApplicationConfig(gctx, req.ApplicationKey)
		if errors.Is(err, provider.ErrNotFound) {
			c, err = &provider.ApplicationConfig{ApplicationKey: req.ApplicationKey}, nil
		}
		cfg = c
		return err
	})
	g.Go(func() error {
		gs, err := e.provider.GetUserGroups(gctx, req.UserID)
		groups = gs
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fail(err)
	}
	groups = withPublicGroup(groups)

	if listsPrincipal(cfg.DeniedUsers, cfg.DeniedGroups, cfg.DeniedRoles, req.UserID, groups, req.UserRole) {
		resp.PolicyIDs = configIDs(cfg)
		return deny(resp, ReasonExplicitDeny), nil
	}
	explicitAllow := listsPrincipal(cfg.AllowedUsers, cfg.AllowedGroups, cfg.AllowedRoles, req.UserID, groups, req.UserRole)

	candidates, err := e.provider.GetApplicationPolicies(ctx, provider.PolicyQuery{
		ApplicationKey: req.ApplicationKey,
		Traits:         req.Traits,
		User:           req.UserID,
		Groups:         groups,
		Role:           req.UserRole,
		Phase:          phase,
	})
	if err != nil {
		return nil, fail(err)
	}

	if len(candidates) == 0 {
		if !explicitAllow {
			return deny(resp, ReasonNoPolicy), nil
		}
		resp.PolicyIDs = configIDs(cfg)
		return allow(resp), nil
	}

	res := ResolveTraitPolicies(candidates, req.Traits, phase)
	resp.PolicyIDs = res.PolicyIDs
	if !res.Authorized {
		return deny(resp, ReasonTraitPolicyDeny), nil
	}
	resp.MaskedTraits = res.MaskedTraits
	return allow(resp), nil
}

// AuthorizeVectorDB resolves the vector database of the application and
// compiles the user's row-level policies into its filter grammar.
func (e *Engine) AuthorizeVectorDB(ctx context.Context, req *VectorDBAuthzRequest) (*VectorDBAuthzResponse, error) {
	start := time.Now()
	ctx, span := telemetry.StartDecisionSpan(ctx, OperationAuthorizeVectorDB,
		attribute.String("authz.application", req.ApplicationKey),
	)
	defer span.End()

	resp, err := e.authorizeVectorDB(ctx, req)

	result := telemetry.ResultError
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("vector db authorization failed",
			zap.String("application", req.ApplicationKey),
			zap.String("user", req.UserID),
			zap.String("request_id", req.RequestID),
			zap.Error(err),
		)
	case resp.Reason == "":
		result = telemetry.ResultAllow
	default:
		result = telemetry.ResultDeny
	}
	telemetry.RecordDecision(ctx, OperationAuthorizeVectorDB, result, float64(time.Since(start).Microseconds())/1000)

	if err != nil {
		return nil, err
	}

	e.logger.Info("vector db authorization decision",
		zap.String("application", req.ApplicationKey),
		zap.String("user", req.UserID),
		zap.String("request_id", req.RequestID),
		zap.Int64("vector_db_id", resp.VectorDBID),
		zap.String("vector_db_type", resp.VectorDBType),
		zap.Int("policies", len(resp.Policies)),
		zap.Bool("filtered", resp.FilterExpression != ""),
		zap.String("reason", resp.Reason),
	)
	return resp, nil
}

func (e *Engine) authorizeVectorDB(ctx context.Context, req *VectorDBAuthzRequest) (*VectorDBAuthzResponse, error) {
	vectorDB := ""
	fail := func(err error) error {
		return &DecisionError{
			Operation:   OperationAuthorizeVectorDB,
			Application: req.ApplicationKey,
			VectorDB:    vectorDB,
			User:        req.UserID,
			Err:         classify(err),
		}
	}

	resp := &VectorDBAuthzResponse{
		RequestID:      req.RequestID,
		ThreadID:       req.ThreadID,
		SequenceNumber: req.SequenceNumber,
		UserID:         req.UserID,
		ApplicationKey: req.ApplicationKey,
		Policies:       []provider.VectorDBPolicy{},
	}

	app, err := e.provider.GetApplicationDetails(ctx, req.ApplicationKey)
	if err != nil {
		return nil, fail(err)
	}
	if !app.Enabled() {
		resp.Reason = ReasonApplicationDisabled
		return resp, nil
	}
	if len(app.VectorDBs) == 0 {
		resp.Reason = ReasonNoVectorDB
		return resp, nil
	}

	vectorDB = app.VectorDBs[0]
	vdb, err := e.provider.GetVectorDBDetails(ctx, vectorDB)
	if err != nil {
		return nil, fail(err)
	}
	if !vdb.Enabled() {
		resp.Reason = ReasonVectorDBDisabled
		return resp, nil
	}

	backend, err := filter.ParseBackend(string(vdb.Type))
	if err != nil {
		return nil, fail(err)
	}
	compiler, err := filter.CompilerFor(backend)
	if err != nil {
		return nil, fail(err)
	}

	// Row-level policies see only the user's real groups.
	groups, err := e.provider.GetUserGroups(ctx, req.UserID)
	if err != nil {
		return nil, fail(err)
	}

	policies, err := e.provider.GetVectorDBPolicies(ctx, vdb.ID, req.UserID, groups)
	if err != nil {
		return nil, fail(err)
	}

	criteria, err := filter.BuildCriteria(policies)
	if err != nil {
		return nil, fail(err)
	}

	expr, err := compiler.Compile(criteria, filter.Principal{
		User:             req.UserID,
		Groups:           groups,
		UserEnforcement:  vdb.UserEnforcement,
		GroupEnforcement: vdb.GroupEnforcement,
	})
	if err != nil {
		return nil, fail(fmt.Errorf("%w: %w", ErrConfiguration, err))
	}
	if expr != "" {
		telemetry.RecordFilterCompiled(ctx, string(backend))
	}

	resp.VectorDBID = vdb.ID
	resp.VectorDBName = vdb.Name
	resp.VectorDBType = string(backend)
	resp.UserEnforcement = vdb.UserEnforcement
	resp.GroupEnforcement = vdb.GroupEnforcement
	if policies != nil {
		resp.Policies = policies
	}
	resp.FilterExpression = expr
	return resp, nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func allow(resp *AuthzResponse) *AuthzResponse {
	resp.Authorized = true
	resp.StatusCode = StatusAuthorized
	resp.Reason = ""
	return resp
}

func deny(resp *AuthzResponse, reason string) *AuthzResponse {
	resp.Authorized = false
	resp.StatusCode = StatusDenied
	resp.Reason = reason
	resp.MaskedTraits = map[string]string{}
	return resp
}

func withPublicGroup(groups []string) []string {
	if slices.Contains(groups, provider.PublicGroup) {
		return groups
	}
	out := make([]string, 0, len(groups)+1)
	out = append(out, groups...)
	return append(out, provider.PublicGroup)
}

// listsPrincipal reports whether the user, one of the groups or the role
// appears in the corresponding list.
func listsPrincipal(users, groups, roles []string, user string, userGroups []string, role string) bool {
	if user != "" && slices.Contains(users, user) {
		return true
	}
	for _, g := range userGroups {
		if slices.Contains(groups, g) {
			return true
		}
	}
	return role != "" && slices.Contains(roles, role)
}

func configIDs(cfg *provider.ApplicationConfig) []int64 {
	if cfg.ID == 0 {
		return []int64{}
	}
	return []int64{cfg.ID}
}
