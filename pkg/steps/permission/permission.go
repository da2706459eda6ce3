// Package permission provides guard steps that admit a request based on the
// authenticated user's roles, permissions, or relationships.
package permission

import (
	"context"
	"fmt"
	"slices"

	"github.com/authpipe/authpipe/pkg/authclaims"
	"github.com/authpipe/authpipe/pkg/authz"
	"github.com/authpipe/authpipe/pkg/pipeline"
	"github.com/authpipe/authpipe/pkg/result"
)

const (
	RequireRolesName       = "requireRoles"
	RequirePermissionsName = "requirePermissions"
	RequireRelationName    = "requireRelation"
)

// Table maps a role to the permissions it grants.
type Table map[string][]string

// Grants returns the union of the permissions held directly by claims and
// those granted by its roles.
func (t Table) Grants(claims *authclaims.AuthClaims) map[string]struct{} {
	granted := make(map[string]struct{}, len(claims.Permissions))
	for _, p := range claims.Permissions {
		granted[p] = struct{}{}
	}
	for _, role := range claims.Roles {
		for _, p := range t[role] {
			granted[p] = struct{}{}
		}
	}
	return granted
}

func userFrom(pc pipeline.Context) (*authclaims.AuthClaims, pipeline.Outcome) {
	claims, ok := pipeline.Value[*authclaims.AuthClaims](pc, pipeline.SlotUser)
	if !ok || claims == nil {
		return nil, pipeline.Abort(result.CodeUnauthenticated, "User not authenticated",
			result.WithRemediation("Run authentication before permission checks"))
	}
	return claims, nil
}

// RequireRoles admits users holding at least one of roles.
func RequireRoles(roles ...string) pipeline.Step {
	return pipeline.NewStep(RequireRolesName, func(_ context.Context, pc pipeline.Context) pipeline.Outcome {
		claims, fail := userFrom(pc)
		if fail != nil {
			return fail
		}

		if slices.ContainsFunc(roles, claims.HasRole) {
			return pipeline.Continue{}
		}
		return pipeline.Abort(result.CodeRBACDenied, "Forbidden: Insufficient role",
			result.WithDetail("required", roles))
	})
}

// RequirePermissions admits users granted every one of perms, either directly
// or through table. A "*" grant satisfies any permission.
func RequirePermissions(table Table, perms ...string) pipeline.Step {
	return pipeline.NewStep(RequirePermissionsName, func(_ context.Context, pc pipeline.Context) pipeline.Outcome {
		claims, fail := userFrom(pc)
		if fail != nil {
			return fail
		}

		granted := table.Grants(claims)
		if _, all := granted[authz.Wildcard]; all {
			return pipeline.Continue{}
		}

		var missing []string
		for _, p := range perms {
			if _, ok := granted[p]; !ok {
				missing = append(missing, p)
			}
		}
		if len(missing) == 0 {
			return pipeline.Continue{}
		}
		return pipeline.Abort(result.CodePermissionDenied, "Insufficient permissions",
			result.WithDetail("missing", missing))
	})
}

// RequireRelation admits users linked to the resource named by the route
// parameter param through one of relations. With no relations any edge
// between the two is enough.
func RequireRelation(reader authz.RelationshipReader, resourceType, param string, relations ...string) pipeline.Step {
	predicate := authz.AnyRelation
	if len(relations) > 0 {
		predicate = authz.RelationIn(relations...)
	}

	return pipeline.NewStep(RequireRelationName, func(ctx context.Context, pc pipeline.Context) pipeline.Outcome {
		claims, fail := userFrom(pc)
		if fail != nil {
			return fail
		}

		resourceID := pc.Meta().Params[param]
		if resourceID == "" {
			return pipeline.Abort(result.CodeValidation, fmt.Sprintf("Missing %s identifier", resourceType),
				result.WithDetail("param", param))
		}

		ac := authz.AuthContext{
			Subject:  authz.Subject{ID: claims.Subject, Type: claims.Type, Roles: claims.Roles, TenantID: claims.TenantID},
			Resource: authz.Resource{ID: resourceID, Type: resourceType},
		}
		rels, err := reader.ReadRelationships(ctx, ac.Subject, ac.Resource)
		if err != nil {
			return pipeline.Failure(fmt.Errorf("read relationships: %w", err))
		}

		for _, rel := range rels {
			if rel.Connects(ac.Subject, ac.Resource) && predicate(rel, ac) {
				return pipeline.Continue{}
			}
		}
		return pipeline.Abort(result.CodeReBACDenied, "Forbidden: No relationship to resource",
			result.WithDetail("resource", resourceType+":"+resourceID))
	})
}
