package authz_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"

	"github.com/authpipe/authpipe/internal/mocks"
	"github.com/authpipe/authpipe/pkg/authz"
	"github.com/authpipe/authpipe/pkg/cache"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	roleA = authz.Role{ID: "A", Permissions: []string{"document:read"}}
	roleB = authz.Role{ID: "B", Permissions: []string{"write"}}

	allowDocuments = authz.Policy{
		ID:        "allow-docs",
		Effect:    authz.EffectAllow,
		Actions:   []string{"read", "write"},
		Resources: []string{"document"},
	}

	ownerEdge = authz.Relationship{
		ID:         "r1",
		SourceType: "user",
		SourceID:   "alice",
		TargetType: "document",
		TargetID:   "doc-1",
		Relation:   "owner",
	}
)

func readRequest() authz.AuthContext {
	return authz.AuthContext{
		Subject:     authz.Subject{ID: "alice", Type: "user", Roles: []string{"A", "B"}},
		Action:      "read",
		Resource:    authz.Resource{ID: "doc-1", Type: "document"},
		Environment: authz.Environment{Timestamp: time.Now()},
	}
}

type fixture struct {
	roles         *mocks.MockRoleReader
	policies      *mocks.MockPolicyReader
	relationships *mocks.MockRelationshipReader
}

func newFixture(t *testing.T) *fixture {
	ctrl := gomock.NewController(t)
	return &fixture{
		roles:         mocks.NewMockRoleReader(ctrl),
		policies:      mocks.NewMockPolicyReader(ctrl),
		relationships: mocks.NewMockRelationshipReader(ctrl),
	}
}

func (f *fixture) expect(roles []authz.Role, policies []authz.Policy, rels []authz.Relationship) {
	f.roles.EXPECT().ReadRoles(gomock.Any(), gomock.Any()).Return(roles, nil)
	f.policies.EXPECT().ReadPolicies(gomock.Any(), gomock.Any(), gomock.Any()).Return(policies, nil)
	f.relationships.EXPECT().ReadRelationships(gomock.Any(), gomock.Any(), gomock.Any()).Return(rels, nil)
}

func (f *fixture) evaluator(opts ...authz.EvaluatorOption) *authz.Evaluator {
	return authz.NewEvaluator(f.roles, f.policies, f.relationships, opts...)
}

func TestEvaluateAllowed(t *testing.T) {
	f := newFixture(t)
	f.roles.EXPECT().ReadRoles(gomock.Any(), []string{"A", "B"}).Return([]authz.Role{roleA, roleB}, nil)
	f.policies.EXPECT().ReadPolicies(gomock.Any(), gomock.Any(), gomock.Any()).Return([]authz.Policy{allowDocuments}, nil)
	f.relationships.EXPECT().ReadRelationships(gomock.Any(), gomock.Any(), gomock.Any()).Return([]authz.Relationship{ownerEdge}, nil)

	e := f.evaluator()
	defer e.Close()

	res, err := e.Evaluate(context.Background(), readRequest())
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Empty(t, res.Reason)
	require.Empty(t, res.DeniedBy)
	require.False(t, res.Metadata.CacheHit)
	require.False(t, res.Metadata.EvaluatedAt.IsZero())
	require.Empty(t, cmp.Diff([]authz.Role{roleA, roleB}, res.Roles))
	require.Empty(t, cmp.Diff([]authz.Policy{allowDocuments}, res.Policies))
	require.Empty(t, cmp.Diff([]authz.Relationship{ownerEdge}, res.Relationships))
}

func TestEvaluateDenials(t *testing.T) {
	denyAll := authz.Policy{ID: "deny", Effect: authz.EffectDeny, Actions: []string{"*"}, Resources: []string{"*"}}
	otherEdge := ownerEdge
	otherEdge.TargetID = "doc-2"

	tests := []struct {
		name     string
		roles    []authz.Role
		policies []authz.Policy
		rels     []authz.Relationship
		reason   string
		deniedBy authz.Check
	}{
		{
			name:     "missing_role_permission",
			roles:    []authz.Role{roleB},
			policies: []authz.Policy{allowDocuments},
			rels:     []authz.Relationship{ownerEdge},
			reason:   authz.ReasonInsufficientRoles,
			deniedBy: authz.CheckRBAC,
		},
		{
			name:     "no_matching_policy",
			roles:    []authz.Role{roleA},
			policies: nil,
			rels:     []authz.Relationship{ownerEdge},
			reason:   authz.ReasonPolicyViolation,
			deniedBy: authz.CheckPBAC,
		},
		{
			name:     "deny_policy",
			roles:    []authz.Role{roleA},
			policies: []authz.Policy{denyAll},
			rels:     []authz.Relationship{ownerEdge},
			reason:   authz.ReasonPolicyViolation,
			deniedBy: authz.CheckPBAC,
		},
		{
			name:     "no_relationship",
			roles:    []authz.Role{roleA},
			policies: []authz.Policy{allowDocuments},
			rels:     []authz.Relationship{otherEdge},
			reason:   authz.ReasonNoRelationship,
			deniedBy: authz.CheckReBAC,
		},
		{
			name:     "rbac_reported_first",
			roles:    nil,
			policies: nil,
			rels:     nil,
			reason:   authz.ReasonInsufficientRoles,
			deniedBy: authz.CheckRBAC,
		},
		{
			name:     "pbac_reported_before_rebac",
			roles:    []authz.Role{roleA},
			policies: nil,
			rels:     nil,
			reason:   authz.ReasonPolicyViolation,
			deniedBy: authz.CheckPBAC,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f := newFixture(t)
			f.expect(test.roles, test.policies, test.rels)

			e := f.evaluator()
			defer e.Close()

			res, err := e.Evaluate(context.Background(), readRequest())
			require.NoError(t, err)
			require.False(t, res.Allowed)
			require.Equal(t, test.reason, res.Reason)
			require.Equal(t, test.deniedBy, res.DeniedBy)
			require.NotNil(t, res.Roles)
			require.NotNil(t, res.Policies)
			require.NotNil(t, res.Relationships)
		})
	}
}

func TestEvaluateDirectPermissions(t *testing.T) {
	for _, perm := range []string{"*", "read", "document:read"} {
		t.Run(perm, func(t *testing.T) {
			f := newFixture(t)
			f.expect(nil, []authz.Policy{allowDocuments}, []authz.Relationship{ownerEdge})

			e := f.evaluator()
			defer e.Close()

			ac := readRequest()
			ac.Subject.Roles = nil
			ac.Subject.Permissions = []string{perm}

			res, err := e.Evaluate(context.Background(), ac)
			require.NoError(t, err)
			require.True(t, res.Allowed)
		})
	}
}

func TestEvaluateReverseRelationship(t *testing.T) {
	f := newFixture(t)
	f.expect([]authz.Role{roleA}, []authz.Policy{allowDocuments}, []authz.Relationship{{
		SourceType: "document",
		SourceID:   "doc-1",
		TargetType: "user",
		TargetID:   "alice",
		Relation:   "shared_with",
	}})

	e := f.evaluator()
	defer e.Close()

	res, err := e.Evaluate(context.Background(), readRequest())
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestEvaluateRelationshipSubjectType(t *testing.T) {
	groupEdge := authz.Relationship{
		ID:         "r2",
		SourceType: "group",
		SourceID:   "alice",
		TargetType: "document",
		TargetID:   "doc-1",
		Relation:   "owner",
	}
	reverseGroupEdge := authz.Relationship{
		ID:         "r3",
		SourceType: "document",
		SourceID:   "doc-1",
		TargetType: "group",
		TargetID:   "alice",
		Relation:   "shared_with",
	}

	subject := readRequest().Subject
	resource := readRequest().Resource
	require.False(t, groupEdge.Connects(subject, resource))
	require.False(t, reverseGroupEdge.Connects(subject, resource))
	require.True(t, ownerEdge.Connects(subject, resource))

	untyped := authz.Subject{ID: "alice"}
	require.True(t, groupEdge.Connects(untyped, resource))

	f := newFixture(t)
	f.expect([]authz.Role{roleA}, []authz.Policy{allowDocuments}, []authz.Relationship{groupEdge, reverseGroupEdge})

	e := f.evaluator()
	defer e.Close()

	res, err := e.Evaluate(context.Background(), readRequest())
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, authz.CheckReBAC, res.DeniedBy)
}

func TestEvaluateRelationPredicate(t *testing.T) {
	f := newFixture(t)
	f.expect([]authz.Role{roleA}, []authz.Policy{allowDocuments}, []authz.Relationship{ownerEdge})

	e := f.evaluator(authz.WithRelationPredicate(authz.RelationIn("editor", "viewer")))
	defer e.Close()

	res, err := e.Evaluate(context.Background(), readRequest())
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, authz.CheckReBAC, res.DeniedBy)
}

func TestEvaluatePolicyPriority(t *testing.T) {
	lowAllow := allowDocuments
	lowAllow.Priority = 1
	highDeny := authz.Policy{
		ID:        "night-freeze",
		Effect:    authz.EffectDeny,
		Actions:   []string{"read"},
		Resources: []string{"document"},
		Priority:  10,
		Conditions: []authz.Condition{
			{Attribute: "subject.attributes.department", Operator: authz.OperatorEquals, Value: "sales"},
		},
	}

	tests := []struct {
		department string
		allowed    bool
	}{
		{department: "sales", allowed: false},
		{department: "engineering", allowed: true},
	}

	for _, test := range tests {
		t.Run(test.department, func(t *testing.T) {
			f := newFixture(t)
			f.expect([]authz.Role{roleA}, []authz.Policy{lowAllow, highDeny}, []authz.Relationship{ownerEdge})

			e := f.evaluator()
			defer e.Close()

			ac := readRequest()
			ac.Subject.Attributes = map[string]any{"department": test.department}

			res, err := e.Evaluate(context.Background(), ac)
			require.NoError(t, err)
			require.Equal(t, test.allowed, res.Allowed)
		})
	}
}

func TestEvaluateCachesDecision(t *testing.T) {
	f := newFixture(t)
	f.roles.EXPECT().ReadRoles(gomock.Any(), gomock.Any()).Return([]authz.Role{roleA}, nil).Times(1)
	f.policies.EXPECT().ReadPolicies(gomock.Any(), gomock.Any(), gomock.Any()).Return([]authz.Policy{allowDocuments}, nil).Times(1)
	f.relationships.EXPECT().ReadRelationships(gomock.Any(), gomock.Any(), gomock.Any()).Return([]authz.Relationship{ownerEdge}, nil).Times(1)

	e := f.evaluator()
	defer e.Close()

	first, err := e.Evaluate(context.Background(), readRequest())
	require.NoError(t, err)
	require.False(t, first.Metadata.CacheHit)

	second, err := e.Evaluate(context.Background(), readRequest())
	require.NoError(t, err)
	require.True(t, second.Metadata.CacheHit)
	require.Equal(t, first.Allowed, second.Allowed)
	require.Empty(t, cmp.Diff(first.Roles, second.Roles))
}

func TestInvalidate(t *testing.T) {
	f := newFixture(t)
	f.roles.EXPECT().ReadRoles(gomock.Any(), gomock.Any()).Return([]authz.Role{roleA}, nil).Times(2)
	f.policies.EXPECT().ReadPolicies(gomock.Any(), gomock.Any(), gomock.Any()).Return([]authz.Policy{allowDocuments}, nil).Times(2)
	f.relationships.EXPECT().ReadRelationships(gomock.Any(), gomock.Any(), gomock.Any()).Return([]authz.Relationship{ownerEdge}, nil).Times(2)

	e := f.evaluator()
	defer e.Close()

	_, err := e.Evaluate(context.Background(), readRequest())
	require.NoError(t, err)
	require.NoError(t, e.Invalidate(context.Background(), readRequest()))

	res, err := e.Evaluate(context.Background(), readRequest())
	require.NoError(t, err)
	require.False(t, res.Metadata.CacheHit)
}

func TestEvaluateWithSharedCache(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t)
	f.expect([]authz.Role{roleA}, []authz.Policy{allowDocuments}, []authz.Relationship{ownerEdge})

	c := mocks.NewMockCache(ctrl)
	key := authz.CacheKey(readRequest())
	c.EXPECT().Get(gomock.Any(), key).Return(nil, cache.ErrKeyNotFound)
	c.EXPECT().Set(gomock.Any(), key, gomock.Any(), 30*time.Second).Return(nil)

	e := f.evaluator(authz.WithCache(c), authz.WithCacheTTL(30*time.Second))
	defer e.Close()

	res, err := e.Evaluate(context.Background(), readRequest())
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestEvaluateErrors(t *testing.T) {
	t.Run("invalid_context", func(t *testing.T) {
		f := newFixture(t)
		e := f.evaluator()
		defer e.Close()

		for _, mutate := range []func(*authz.AuthContext){
			func(ac *authz.AuthContext) { ac.Subject.ID = "" },
			func(ac *authz.AuthContext) { ac.Action = "" },
			func(ac *authz.AuthContext) { ac.Resource.Type = "" },
		} {
			ac := readRequest()
			mutate(&ac)

			res, err := e.Evaluate(context.Background(), ac)
			require.Nil(t, res)

			var authzErr *authz.AuthorizationError
			require.ErrorAs(t, err, &authzErr)
			require.Equal(t, authz.ErrorCodeInvalidContext, authzErr.Code)
		}
	})

	t.Run("reader_failure", func(t *testing.T) {
		f := newFixture(t)
		boom := errors.New("backend unavailable")
		f.roles.EXPECT().ReadRoles(gomock.Any(), gomock.Any()).Return(nil, boom)
		f.policies.EXPECT().ReadPolicies(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil).AnyTimes()
		f.relationships.EXPECT().ReadRelationships(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil).AnyTimes()

		e := f.evaluator()
		defer e.Close()

		res, err := e.Evaluate(context.Background(), readRequest())
		require.Nil(t, res)
		require.ErrorIs(t, err, boom)

		var authzErr *authz.AuthorizationError
		require.ErrorAs(t, err, &authzErr)
		require.Equal(t, authz.ErrorCodeInvalidContext, authzErr.Code)
		require.Equal(t, "alice", authzErr.Context.Subject.ID)
		require.NotEmpty(t, authzErr.Stack())
	})

	t.Run("cache_failure", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		c := mocks.NewMockCache(ctrl)
		c.EXPECT().Get(gomock.Any(), gomock.Any()).Return(nil, errors.New("connection refused"))

		f := newFixture(t)
		e := f.evaluator(authz.WithCache(c))

		res, err := e.Evaluate(context.Background(), readRequest())
		require.Nil(t, res)

		var authzErr *authz.AuthorizationError
		require.ErrorAs(t, err, &authzErr)
		require.Equal(t, authz.ErrorCodeInvalidContext, authzErr.Code)
	})
}

func TestCacheKey(t *testing.T) {
	a := readRequest()
	b := readRequest()
	b.Environment.IP = "10.0.0.1"
	require.Equal(t, authz.CacheKey(a), authz.CacheKey(b))

	b.Resource.ID = "doc-2"
	require.NotEqual(t, authz.CacheKey(a), authz.CacheKey(b))
}
