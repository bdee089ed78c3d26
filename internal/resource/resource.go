package resource

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type is the stable tag identifying a resource kind ("Patient", "Observation").
// Repositories and remote endpoints are resolved by Type.
type Type string

// Key uniquely identifies a resource instance.
type Key string

// TypeBundle marks a composite resource whose Items are synchronized together.
const TypeBundle Type = "Bundle"

// RelationshipKind distinguishes the typed links a resource may carry.
type RelationshipKind string

const (
	// EntityRelationship links two entities (patient -> organization).
	EntityRelationship RelationshipKind = "entity"
	// ActRelationship links two acts (encounter -> observation).
	ActRelationship RelationshipKind = "act"
	// ActParticipation links an act to a participating entity.
	ActParticipation RelationshipKind = "participation"
)

// ValidRelationshipKinds defines the allowed relationship kinds.
var ValidRelationshipKinds = map[RelationshipKind]bool{
	EntityRelationship: true,
	ActRelationship:    true,
	ActParticipation:   true,
}

// Relationship is a typed reference from one resource to another.
type Relationship struct {
	Kind       RelationshipKind `json:"kind" yaml:"kind"`
	Target     Key              `json:"target" yaml:"target"`
	TargetType Type             `json:"target_type" yaml:"target_type"`
}

// Resource is the unit of clinical data moved by the synchronization engine.
type Resource struct {
	Key           Key             `json:"key"`
	Type          Type            `json:"type"`
	Version       string          `json:"version,omitempty"`
	ModifiedAt    time.Time       `json:"modified_at"`
	Body          json.RawMessage `json:"body,omitempty"`
	Relationships []Relationship  `json:"relationships,omitempty"`

	// Items holds bundle members in dependency-first order.
	// Only set when Type == TypeBundle.
	Items []Resource `json:"items,omitempty"`
}

// Ref returns the "Type/Key" form used in logs and diagnostics.
func (r Resource) Ref() string {
	return fmt.Sprintf("%s/%s", r.Type, r.Key)
}

// IsBundle reports whether r is a bundle.
func (r Resource) IsBundle() bool {
	return r.Type == TypeBundle
}

// Validate checks the fields the sync service relies on.
func (r Resource) Validate() error {
	if r.Type == "" {
		return fmt.Errorf("resource %q: empty type", r.Key)
	}
	if r.IsBundle() {
		for i, item := range r.Items {
			if err := item.Validate(); err != nil {
				return fmt.Errorf("bundle item %d: %w", i, err)
			}
		}
		return nil
	}
	if r.Key == "" {
		return fmt.Errorf("resource of type %q: empty key", r.Type)
	}
	for _, rel := range r.Relationships {
		if !ValidRelationshipKinds[rel.Kind] {
			return fmt.Errorf("resource %s: invalid relationship kind %q", r.Ref(), rel.Kind)
		}
		if rel.Target == "" {
			return fmt.Errorf("resource %s: relationship with empty target", r.Ref())
		}
	}
	return nil
}

// Marshal encodes r as JSON for blob persistence.
func Marshal(r Resource) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal resource %s: %w", r.Ref(), err)
	}
	return data, nil
}

// Unmarshal decodes a resource previously encoded with Marshal.
func Unmarshal(data []byte) (Resource, error) {
	var r Resource
	if err := json.Unmarshal(data, &r); err != nil {
		return Resource{}, fmt.Errorf("unmarshal resource: %w", err)
	}
	return r, nil
}
