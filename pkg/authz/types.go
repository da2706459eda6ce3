package authz

import (
	"time"
)

// Check names one of the three sub-evaluations.
type Check string

const (
	CheckRBAC  Check = "rbac"
	CheckPBAC  Check = "pbac"
	CheckReBAC Check = "rebac"
)

const (
	ReasonInsufficientRoles = "Insufficient role permissions"
	ReasonPolicyViolation   = "Policy violation"
	ReasonNoRelationship    = "No valid relationship found"
)

// Wildcard grants every action when present in a permission set.
const Wildcard = "*"

type Subject struct {
	ID          string         `json:"id"`
	Type        string         `json:"type,omitempty"`
	Roles       []string       `json:"roles,omitempty"`
	Permissions []string       `json:"permissions,omitempty"`
	TenantID    string         `json:"tenantId,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

type Resource struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	OwnerID    string         `json:"ownerId,omitempty"`
	TenantID   string         `json:"tenantId,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type Environment struct {
	IP         string         `json:"ip,omitempty"`
	UserAgent  string         `json:"userAgent,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type Session struct {
	ID        string    `json:"id"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AuthContext is the question being asked: may Subject perform Action on Resource.
type AuthContext struct {
	Subject     Subject     `json:"subject"`
	Action      string      `json:"action"`
	Resource    Resource    `json:"resource"`
	Environment Environment `json:"environment"`
	Session     *Session    `json:"session,omitempty"`
}

type Role struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Permissions []string `json:"permissions"`
}

type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

type Operator string

const (
	OperatorEquals     Operator = "equals"
	OperatorContains   Operator = "contains"
	OperatorStartsWith Operator = "startsWith"
	OperatorEndsWith   Operator = "endsWith"
	OperatorMatches    Operator = "matches"
	OperatorIn         Operator = "in"
	OperatorGT         Operator = "gt"
	OperatorLT         Operator = "lt"
	OperatorGTE        Operator = "gte"
	OperatorLTE        Operator = "lte"
)

// Condition compares the AuthContext attribute found at the dotted path
// Attribute (for example "subject.attributes.department") with Value.
type Condition struct {
	Attribute string   `json:"attribute"`
	Operator  Operator `json:"operator"`
	Value     any      `json:"value"`
}

type Policy struct {
	ID         string      `json:"id"`
	Name       string      `json:"name,omitempty"`
	Effect     Effect      `json:"effect"`
	Conditions []Condition `json:"conditions,omitempty"`
	Actions    []string    `json:"actions"`
	Resources  []string    `json:"resources"`
	Priority   int         `json:"priority"`
}

// Relationship is a directed edge between two typed entities.
type Relationship struct {
	ID         string         `json:"id"`
	SourceType string         `json:"sourceType"`
	SourceID   string         `json:"sourceId"`
	TargetType string         `json:"targetType"`
	TargetID   string         `json:"targetId"`
	Relation   string         `json:"relation"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type Metadata struct {
	EvaluatedAt    time.Time     `json:"evaluatedAt"`
	EvaluationTime time.Duration `json:"evaluationTime"`
	CacheHit       bool          `json:"cacheHit"`
}

// AuthResult is the combined decision. Allowed is the AND of the three checks
// and DeniedBy names the first failing one in rbac, pbac, rebac order.
type AuthResult struct {
	Allowed       bool           `json:"allowed"`
	Reason        string         `json:"reason,omitempty"`
	DeniedBy      Check          `json:"deniedBy,omitempty"`
	Policies      []Policy       `json:"policies"`
	Roles         []Role         `json:"roles"`
	Relationships []Relationship `json:"relationships"`
	Metadata      Metadata       `json:"metadata"`
}

// Connects reports whether the edge links subject and resource, in either
// direction. The subject's side of the edge must carry its type unless the
// subject is untyped.
func (r Relationship) Connects(subject Subject, resource Resource) bool {
	forward := r.SourceID == subject.ID && sameType(r.SourceType, subject.Type) &&
		r.TargetID == resource.ID && r.TargetType == resource.Type
	backward := r.TargetID == subject.ID && sameType(r.TargetType, subject.Type) &&
		r.SourceID == resource.ID && r.SourceType == resource.Type
	return forward || backward
}

func sameType(edgeType, subjectType string) bool {
	return subjectType == "" || edgeType == subjectType
}

// RelationPredicate decides whether an edge grants access for ac.
type RelationPredicate func(rel Relationship, ac AuthContext) bool

// AnyRelation accepts every edge.
func AnyRelation(Relationship, AuthContext) bool {
	return true
}

// RelationIn accepts edges whose relation is one of relations.
func RelationIn(relations ...string) RelationPredicate {
	return func(rel Relationship, _ AuthContext) bool {
		for _, r := range relations {
			if rel.Relation == r {
				return true
			}
		}
		return false
	}
}
