package subscription

import (
	"fmt"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

const schemaSource = `
#Trigger: "on-start" | "periodic-poll" | "manual" | "on-push"

#Subscription: {
	resource_type: string & != ""
	filter?:       string
	triggers: [...#Trigger] & [_, ...]
}
`

// CompileError is a definition error with its CUE position.
type CompileError struct {
	Name    string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: subscription %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Name, e.Message)
	}
	return fmt.Sprintf("subscription %s: %s", e.Name, e.Message)
}

// Compile extracts every definition under the "subscription" field of v,
// sorted by name.
func Compile(v cue.Value) ([]Definition, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError("", err)
	}
	subs := v.LookupPath(cue.ParsePath("subscription"))
	if !subs.Exists() {
		return nil, nil
	}

	schema := v.Context().CompileString(schemaSource).LookupPath(cue.ParsePath("#Subscription"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile subscription schema: %w", err)
	}

	iter, err := subs.Fields()
	if err != nil {
		return nil, formatCUEError("", err)
	}
	var defs []Definition
	for iter.Next() {
		def, err := compileOne(iter.Label(), iter.Value(), schema)
		if err != nil {
			return nil, err
		}
		defs = append(defs, *def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

func compileOne(name string, v, schema cue.Value) (*Definition, error) {
	unified := schema.Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(name, err)
	}

	var raw struct {
		ResourceType string   `json:"resource_type"`
		Filter       string   `json:"filter"`
		Triggers     []string `json:"triggers"`
	}
	if err := unified.Decode(&raw); err != nil {
		return nil, formatCUEError(name, err)
	}

	def := &Definition{Name: name, ResourceType: raw.ResourceType, Filter: raw.Filter}
	for _, t := range raw.Triggers {
		def.Triggers = append(def.Triggers, Trigger(t))
	}
	if err := def.Validate(); err != nil {
		return nil, &CompileError{Name: name, Message: err.Error(), Pos: v.Pos()}
	}
	return def, nil
}

// formatCUEError keeps the first error with position info.
func formatCUEError(name string, err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{Name: name, Message: first.Error(), Pos: positions[0]}
	}
	return &CompileError{Name: name, Message: first.Error()}
}
