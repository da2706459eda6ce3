// Package memory provides an in-process store of roles, policies, and
// relationships that satisfies the authz reader interfaces.
package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"sigs.k8s.io/yaml"

	"github.com/authpipe/authpipe/pkg/authz"
)

var tracer = otel.Tracer("pkg/authz/memory")

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// Seed is the document loaded by LoadSeedFile.
type Seed struct {
	Roles         []authz.Role         `json:"roles"`
	Policies      []authz.Policy       `json:"policies"`
	Relationships []authz.Relationship `json:"relationships"`
}

type Store struct {
	mu            sync.RWMutex
	roles         map[string]authz.Role
	policies      map[string]authz.Policy
	relationships map[string]authz.Relationship
}

var (
	_ authz.RoleReader         = (*Store)(nil)
	_ authz.PolicyReader       = (*Store)(nil)
	_ authz.RelationshipReader = (*Store)(nil)
)

func New() *Store {
	return &Store{
		roles:         make(map[string]authz.Role),
		policies:      make(map[string]authz.Policy),
		relationships: make(map[string]authz.Relationship),
	}
}

// LoadSeedFile reads a YAML or JSON seed document from path.
func LoadSeedFile(path string) (*Seed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	seed, err := ParseSeed(raw)
	if err != nil {
		return nil, fmt.Errorf("parse seed %q: %w", path, err)
	}
	return seed, nil
}

// ParseSeed decodes a YAML or JSON seed document.
func ParseSeed(raw []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.UnmarshalStrict(raw, &seed); err != nil {
		return nil, err
	}
	return &seed, nil
}

// Apply writes every entry of seed. It stops at the first invalid entry.
func (s *Store) Apply(seed *Seed) error {
	for _, r := range seed.Roles {
		if err := s.PutRole(r); err != nil {
			return err
		}
	}
	for _, p := range seed.Policies {
		if err := s.PutPolicy(p); err != nil {
			return err
		}
	}
	for _, rel := range seed.Relationships {
		if _, err := s.PutRelationship(rel); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) PutRole(r authz.Role) error {
	if r.ID == "" {
		return fmt.Errorf("%w: role id is required", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r.Permissions = slices.Clone(r.Permissions)
	s.roles[r.ID] = r
	return nil
}

func (s *Store) PutPolicy(p authz.Policy) error {
	if err := authz.ValidatePolicy(p); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.ID] = p
	return nil
}

func (s *Store) DeletePolicy(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[id]; !ok {
		return ErrNotFound
	}
	delete(s.policies, id)
	return nil
}

// PutRelationship stores rel, assigning an id when it has none, and returns
// the stored edge.
func (s *Store) PutRelationship(rel authz.Relationship) (authz.Relationship, error) {
	if rel.SourceID == "" || rel.TargetID == "" || rel.Relation == "" {
		return authz.Relationship{}, fmt.Errorf("%w: relationship requires source, target, and relation", ErrInvalidInput)
	}
	if rel.ID == "" {
		rel.ID = ulid.Make().String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.relationships[rel.ID] = rel
	return rel, nil
}

func (s *Store) DeleteRelationship(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.relationships[id]; !ok {
		return ErrNotFound
	}
	delete(s.relationships, id)
	return nil
}

// ReadRoles returns the known roles among ids, in the order requested.
func (s *Store) ReadRoles(ctx context.Context, ids []string) ([]authz.Role, error) {
	_, span := tracer.Start(ctx, "memory.ReadRoles")
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()

	roles := make([]authz.Role, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.roles[id]; ok {
			roles = append(roles, r)
		}
	}
	return roles, nil
}

// ReadPolicies returns the policies whose resources cover the resource type,
// ordered by id.
func (s *Store) ReadPolicies(ctx context.Context, _ authz.Subject, resource authz.Resource) ([]authz.Policy, error) {
	_, span := tracer.Start(ctx, "memory.ReadPolicies")
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()

	policies := make([]authz.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		if slices.Contains(p.Resources, resource.Type) || slices.Contains(p.Resources, authz.Wildcard) {
			policies = append(policies, p)
		}
	}
	sort.Slice(policies, func(i, j int) bool {
		return policies[i].ID < policies[j].ID
	})
	return policies, nil
}

// ReadRelationships returns the edges between subject and resource in either
// direction, ordered by id.
func (s *Store) ReadRelationships(ctx context.Context, subject authz.Subject, resource authz.Resource) ([]authz.Relationship, error) {
	_, span := tracer.Start(ctx, "memory.ReadRelationships")
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var rels []authz.Relationship
	for _, rel := range s.relationships {
		if rel.Connects(subject, resource) {
			rels = append(rels, rel)
		}
	}
	sort.Slice(rels, func(i, j int) bool {
		return rels[i].ID < rels[j].ID
	})
	return rels, nil
}
