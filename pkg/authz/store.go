//go:generate mockgen -source store.go -destination ../../internal/mocks/mock_authz.go -package mocks authz

package authz

import (
	"context"
)

// RoleReader resolves role identifiers to their definitions. Unknown ids are
// omitted from the result.
type RoleReader interface {
	ReadRoles(ctx context.Context, ids []string) ([]Role, error)
}

// PolicyReader returns the policies that may apply to a subject acting on a
// resource.
type PolicyReader interface {
	ReadPolicies(ctx context.Context, subject Subject, resource Resource) ([]Policy, error)
}

// RelationshipReader returns edges between subject and resource, in either
// direction.
type RelationshipReader interface {
	ReadRelationships(ctx context.Context, subject Subject, resource Resource) ([]Relationship, error)
}

// Authorizer makes combined access decisions.
type Authorizer interface {
	Evaluate(ctx context.Context, ac AuthContext) (*AuthResult, error)
}
