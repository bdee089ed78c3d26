package subscription

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// Trigger is an event that can make a subscription due.
type Trigger string

const (
	OnStart      Trigger = "on-start"
	PeriodicPoll Trigger = "periodic-poll"
	Manual       Trigger = "manual"
	OnPush       Trigger = "on-push"
)

// ValidTriggers is the closed set of triggers.
var ValidTriggers = map[Trigger]bool{
	OnStart:      true,
	PeriodicPoll: true,
	Manual:       true,
	OnPush:       true,
}

// ParseTrigger parses a trigger name.
func ParseTrigger(s string) (Trigger, error) {
	t := Trigger(strings.ToLower(strings.TrimSpace(s)))
	if !ValidTriggers[t] {
		return "", fmt.Errorf("unknown trigger %q", s)
	}
	return t, nil
}

// Definition is one subscription.
type Definition struct {
	Name         string    `json:"name" yaml:"name"`
	ResourceType string    `json:"resource_type" yaml:"resource_type"`
	Filter       string    `json:"filter,omitempty" yaml:"filter,omitempty"`
	Triggers     []Trigger `json:"triggers" yaml:"triggers"`
}

// Validate checks the definition is usable.
func (d Definition) Validate() error {
	if d.ResourceType == "" {
		return fmt.Errorf("subscription %q: resource type is required", d.Name)
	}
	if len(d.Triggers) == 0 {
		return fmt.Errorf("subscription %q: at least one trigger is required", d.Name)
	}
	for _, t := range d.Triggers {
		if !ValidTriggers[t] {
			return fmt.Errorf("subscription %q: unknown trigger %q", d.Name, t)
		}
	}
	return nil
}

// DueFor reports whether t makes d due. Manual pulls make every
// subscription due.
func (d Definition) DueFor(t Trigger) bool {
	return t == Manual || slices.Contains(d.Triggers, t)
}

// DueFor filters defs to those due for t, preserving order.
func DueFor(defs []Definition, t Trigger) []Definition {
	var out []Definition
	for _, d := range defs {
		if d.DueFor(t) {
			out = append(out, d)
		}
	}
	return out
}

// Provider supplies subscription definitions.
type Provider interface {
	SubscriptionDefinitions(ctx context.Context) ([]Definition, error)
}

// Static is a fixed list of definitions.
type Static []Definition

func (s Static) SubscriptionDefinitions(context.Context) ([]Definition, error) {
	return slices.Clone(s), nil
}

// Merge combines providers. Later providers override earlier definitions
// with the same name.
type Merge []Provider

func (m Merge) SubscriptionDefinitions(ctx context.Context) ([]Definition, error) {
	var out []Definition
	index := make(map[string]int)
	for _, p := range m {
		defs, err := p.SubscriptionDefinitions(ctx)
		if err != nil {
			return nil, err
		}
		for _, d := range defs {
			if i, ok := index[d.Name]; ok && d.Name != "" {
				out[i] = d
				continue
			}
			index[d.Name] = len(out)
			out = append(out, d)
		}
	}
	return out, nil
}
