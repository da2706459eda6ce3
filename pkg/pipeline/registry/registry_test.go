package registry_test

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/authpipe/authpipe/pkg/authz"
	"github.com/authpipe/authpipe/pkg/authz/memory"
	"github.com/authpipe/authpipe/pkg/pipeline"
	"github.com/authpipe/authpipe/pkg/pipeline/registry"
	"github.com/authpipe/authpipe/pkg/result"
	"github.com/authpipe/authpipe/pkg/steps/authn"
	"github.com/authpipe/authpipe/pkg/steps/ratelimit"
	"github.com/authpipe/authpipe/pkg/steps/validation"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const secret = "registry-secret"

const pipelinesYAML = `
pipelines:
  - name: createUser
    steps:
      - kind: requestContext
      - kind: cancellation
      - kind: authenticate
      - kind: rateLimit
      - kind: requireRoles
        roles: [admin]
      - kind: validate
        schema:
          - field: name
            required: true
            type: string
            minLength: 2
          - field: email
            required: true
            format: email
      - kind: instrument
        threshold: 10ms
        steps:
          - kind: snapshot
            label: validated
  - name: readDocument
    steps:
      - kind: authenticate
      - kind: fork
        name: guards
        steps:
          - kind: requirePermissions
            permissions: ["documents:read"]
          - kind: requireRelation
            resourceType: document
            param: id
            relations: [owner, viewer]
      - kind: authorize
        action: read
        resourceType: document
        param: id
  - name: evaluate
    steps:
      - kind: authenticate
      - kind: when
        slot: payload
        steps:
          - kind: snapshot
      - kind: transactional
        steps:
          - kind: authorize
            name: evaluate
            actionField: action
            resourceField: resource
            reportOnly: true
`

func loadPipelines(t *testing.T) []registry.PipelineConfig {
	t.Helper()
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(pipelinesYAML)))

	var cfgs []registry.PipelineConfig
	require.NoError(t, v.UnmarshalKey("pipelines", &cfgs))
	return cfgs
}

type fixture struct {
	registry  *registry.Registry
	evaluator *authz.Evaluator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.New()
	require.NoError(t, store.Apply(&memory.Seed{
		Roles: []authz.Role{
			{ID: "admin", Permissions: []string{authz.Wildcard}},
			{ID: "user", Permissions: []string{"document:read"}},
		},
		Policies: []authz.Policy{{
			ID: "allow-all", Effect: authz.EffectAllow,
			Actions: []string{authz.Wildcard}, Resources: []string{authz.Wildcard},
		}},
		Relationships: []authz.Relationship{{
			SourceType: "user", SourceID: "alice", TargetType: "document", TargetID: "doc-1", Relation: "owner",
		}},
	}))

	verifier, err := authn.NewHMACVerifier(secret)
	require.NoError(t, err)
	limiter, err := ratelimit.NewSlidingWindow(100, time.Minute)
	require.NoError(t, err)
	evaluator := authz.NewEvaluator(store, store, store)
	t.Cleanup(func() {
		evaluator.Close()
		require.NoError(t, limiter.Close())
	})

	return &fixture{
		evaluator: evaluator,
		registry: registry.New(registry.Dependencies{
			Verifier:      verifier,
			Authorizer:    evaluator,
			Relationships: store,
			Limiter:       limiter,
			Permissions:   map[string][]string{"admin": {authz.Wildcard}, "user": {"documents:read"}},
		}),
	}
}

func bearer(t *testing.T, subject string, roles ...string) http.Header {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   subject,
		"roles": roles,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

func TestBuildAllFromConfiguration(t *testing.T) {
	f := newFixture(t)

	pipelines, err := f.registry.BuildAll(loadPipelines(t))
	require.NoError(t, err)
	require.Len(t, pipelines, 3)

	require.Equal(t, []string{
		"requestContext", "cancellation", "authenticate", "rateLimit", "requireRoles", "validate", "snapshot",
	}, pipelines["createUser"].StepNames())
	require.Equal(t, []string{"authenticate", "guards", "authorize"}, pipelines["readDocument"].StepNames())
	require.Equal(t, []string{"authenticate", "when(snapshot)", "txn(evaluate)"}, pipelines["evaluate"].StepNames())
}

func TestConfiguredPipelinesRun(t *testing.T) {
	f := newFixture(t)
	pipelines, err := f.registry.BuildAll(loadPipelines(t))
	require.NoError(t, err)
	ctx := context.Background()

	createUser := pipeline.NewContext(pipeline.Patch{pipeline.SlotRequestMeta: pipeline.RequestMeta{
		Method:   http.MethodPost,
		Headers:  bearer(t, "root", "admin"),
		ClientIP: "192.0.2.1:4000",
		Body:     map[string]any{"name": "Alice", "email": "alice@example.com", "admin": true},
	}})
	res, md := pipelines["createUser"].Run(ctx, createUser)
	require.True(t, res.IsOk(), md.String())
	payload, _ := pipeline.Value[map[string]any](res.Value(), pipeline.SlotPayload)
	require.Equal(t, map[string]any{"name": "Alice", "email": "alice@example.com"}, payload)

	notAdmin := createUser.With(pipeline.SlotRequestMeta, pipeline.RequestMeta{Headers: bearer(t, "bob", "user")})
	res, md = pipelines["createUser"].Run(ctx, notAdmin)
	require.True(t, res.IsErr())
	require.Equal(t, result.CodeRBACDenied, res.Err().Code)
	require.Equal(t, "requireRoles", md.FailedStep)

	readDocument := func(subject, id string) pipeline.Context {
		return pipeline.NewContext(pipeline.Patch{pipeline.SlotRequestMeta: pipeline.RequestMeta{
			Method:  http.MethodGet,
			Headers: bearer(t, subject, "user"),
			Params:  map[string]string{"id": id},
		}})
	}
	res, md = pipelines["readDocument"].Run(ctx, readDocument("alice", "doc-1"))
	require.True(t, res.IsOk(), md.String())

	res, _ = pipelines["readDocument"].Run(ctx, readDocument("alice", "doc-2"))
	require.True(t, res.IsErr())
	require.Equal(t, result.CodeForkFailure, res.Err().Code)
	require.NotNil(t, res.Err().Cause)
	require.Equal(t, result.CodeReBACDenied, res.Err().Cause.Code)

	evaluate := pipeline.NewContext(pipeline.Patch{pipeline.SlotRequestMeta: pipeline.RequestMeta{
		Method:  http.MethodPost,
		Headers: bearer(t, "carol", "user"),
		Body: map[string]any{
			"action":   "read",
			"resource": map[string]any{"type": "document", "id": "doc-1"},
		},
	}})
	res, md = pipelines["evaluate"].Run(ctx, evaluate)
	require.True(t, res.IsOk(), md.String())
	decision, ok := pipeline.Value[*authz.AuthResult](res.Value(), pipeline.SlotAuthResult)
	require.True(t, ok)
	require.False(t, decision.Allowed)
	require.Equal(t, authz.CheckReBAC, decision.DeniedBy)
}

func TestUnknownKindRejectedAtLoad(t *testing.T) {
	r := registry.New(registry.Dependencies{})

	_, err := r.BuildPipeline(registry.PipelineConfig{
		Name: "broken",
		Steps: []registry.StepConfig{
			{Kind: registry.KindRequestContext},
			{Kind: registry.KindFork, Steps: []registry.StepConfig{{Kind: "teleport"}}},
		},
	})
	require.ErrorIs(t, err, registry.ErrUnknownKind)
	require.Contains(t, err.Error(), `pipeline "broken": step 1 (fork): step 0 (teleport)`)
}

func TestBuildErrors(t *testing.T) {
	tests := map[string]struct {
		cfg  registry.StepConfig
		want error
	}{
		"authenticate_without_verifier": {
			cfg:  registry.StepConfig{Kind: registry.KindAuthenticate},
			want: registry.ErrMissingDependency,
		},
		"rate_limit_without_limiter": {
			cfg:  registry.StepConfig{Kind: registry.KindRateLimit},
			want: registry.ErrMissingDependency,
		},
		"authorize_without_authorizer": {
			cfg:  registry.StepConfig{Kind: registry.KindAuthorize, Action: "read"},
			want: registry.ErrMissingDependency,
		},
		"relation_without_reader": {
			cfg:  registry.StepConfig{Kind: registry.KindRequireRelation, ResourceType: "document", Param: "id"},
			want: registry.ErrMissingDependency,
		},
		"roles_missing": {
			cfg:  registry.StepConfig{Kind: registry.KindRequireRoles},
			want: registry.ErrInvalidStepConfig,
		},
		"permissions_missing": {
			cfg:  registry.StepConfig{Kind: registry.KindRequirePermissions},
			want: registry.ErrInvalidStepConfig,
		},
		"empty_schema": {
			cfg:  registry.StepConfig{Kind: registry.KindValidate, Schema: nil},
			want: nil,
		},
		"duplicate_schema_field": {
			cfg: registry.StepConfig{Kind: registry.KindValidate, Schema: []validation.Rule{
				{Field: "a"}, {Field: "a"},
			}},
			want: registry.ErrInvalidStepConfig,
		},
		"empty_fork": {
			cfg:  registry.StepConfig{Kind: registry.KindFork},
			want: registry.ErrInvalidStepConfig,
		},
		"empty_transaction": {
			cfg:  registry.StepConfig{Kind: registry.KindTransactional},
			want: registry.ErrInvalidStepConfig,
		},
		"when_without_slot": {
			cfg:  registry.StepConfig{Kind: registry.KindWhen, Steps: []registry.StepConfig{{Kind: registry.KindSnapshot}}},
			want: registry.ErrInvalidStepConfig,
		},
	}

	r := registry.New(registry.Dependencies{})
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := r.Build(test.cfg)
			if test.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, test.want)
		})
	}
}

func TestAuthorizeResolversRequired(t *testing.T) {
	f := newFixture(t)

	_, err := f.registry.Build(registry.StepConfig{Kind: registry.KindAuthorize, ResourceType: "document", Param: "id"})
	require.ErrorIs(t, err, registry.ErrInvalidStepConfig)

	_, err = f.registry.Build(registry.StepConfig{Kind: registry.KindAuthorize, Action: "read"})
	require.ErrorIs(t, err, registry.ErrInvalidStepConfig)
}

func TestRegisterCustomKind(t *testing.T) {
	r := registry.New(registry.Dependencies{})

	require.ErrorIs(t, r.Register(registry.KindSnapshot, func(*registry.Registry, registry.StepConfig) (pipeline.Step, error) {
		return nil, nil
	}), registry.ErrKindAlreadyDefined)
	require.ErrorIs(t, r.Register("", nil), registry.ErrInvalidStepConfig)

	const kindStamp registry.Kind = "stamp"
	require.NoError(t, r.Register(kindStamp, func(_ *registry.Registry, cfg registry.StepConfig) (pipeline.Step, error) {
		return pipeline.NewStep("stamp", func(context.Context, pipeline.Context) pipeline.Outcome {
			return pipeline.Next(pipeline.Patch{pipeline.SlotPayload: cfg.Label})
		}), nil
	}))
	require.Contains(t, r.Kinds(), kindStamp)

	p, err := r.BuildPipeline(registry.PipelineConfig{
		Name:  "custom",
		Steps: []registry.StepConfig{{Kind: kindStamp, Label: "hello"}, {Kind: registry.KindSnapshot, Name: "checkpoint"}},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"stamp", "checkpoint"}, p.StepNames())

	res, _ := p.Run(context.Background(), pipeline.NewContext(nil))
	require.Equal(t, "hello", mustPayload(t, res.Value()))
}

func mustPayload(t *testing.T, pc pipeline.Context) any {
	t.Helper()
	v, ok := pc.Get(pipeline.SlotPayload)
	require.True(t, ok)
	return v
}

func TestDuplicatePipeline(t *testing.T) {
	r := registry.New(registry.Dependencies{})
	_, err := r.BuildAll([]registry.PipelineConfig{{Name: "a"}, {Name: "a"}})
	require.ErrorIs(t, err, registry.ErrDuplicatePipeline)

	_, err = r.BuildPipeline(registry.PipelineConfig{})
	require.ErrorIs(t, err, registry.ErrInvalidStepConfig)
}
