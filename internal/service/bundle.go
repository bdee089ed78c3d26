package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/roach88/medsync/internal/repository"
	"github.com/roach88/medsync/internal/resource"
)

// Loader reads local resources.
type Loader interface {
	Get(ctx context.Context, typ resource.Type, key resource.Key) (resource.Resource, error)
}

// Checker reports whether the remote already has a resource.
type Checker interface {
	Exists(ctx context.Context, typ resource.Type, key resource.Key) (bool, error)
}

// Bundler finds the dependencies of a resource that the remote is missing.
type Bundler struct {
	local  Loader
	remote Checker
	logger *slog.Logger
}

// NewBundler creates a Bundler.
func NewBundler(local Loader, remote Checker, logger *slog.Logger) *Bundler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bundler{local: local, remote: remote, logger: logger}
}

type frame struct {
	r    resource.Resource
	next int
	root bool
}

// Dependencies walks the relationships of root (entity, act and
// participation) and returns every referenced resource that exists
// locally but not on the remote, dependencies first. root's own members
// are not included. Each resource is visited at most once, so cycles
// terminate.
func (b *Bundler) Dependencies(ctx context.Context, root resource.Resource) ([]resource.Resource, error) {
	members := resource.Members(root)
	visited := make(map[string]bool, len(members))
	for _, m := range members {
		visited[m.Ref()] = true
	}

	var out []resource.Resource
	for _, m := range members {
		stack := []*frame{{r: m, root: true}}
		for len(stack) > 0 {
			top := stack[len(stack)-1]
			if top.next >= len(top.r.Relationships) {
				stack = stack[:len(stack)-1]
				if !top.root {
					out = append(out, top.r)
				}
				continue
			}
			rel := top.r.Relationships[top.next]
			top.next++

			dep, ok, err := b.resolve(ctx, rel, visited)
			if err != nil {
				return nil, err
			}
			if ok {
				stack = append(stack, &frame{r: dep})
			}
		}
	}
	return out, nil
}

// Expand returns root bundled with its missing dependencies, dependencies
// first. Bundles of bundles are flattened.
func (b *Bundler) Expand(ctx context.Context, root resource.Resource) (resource.Resource, error) {
	deps, err := b.Dependencies(ctx, root)
	if err != nil {
		return resource.Resource{}, err
	}
	return resource.NewBundle(append(deps, resource.Members(root)...)...), nil
}

// resolve marks the target visited and loads it when it must be bundled.
func (b *Bundler) resolve(ctx context.Context, rel resource.Relationship, visited map[string]bool) (resource.Resource, bool, error) {
	if rel.TargetType == "" {
		b.logger.Debug("relationship without target type, not bundled", "target", rel.Target)
		return resource.Resource{}, false, nil
	}
	ref := string(rel.TargetType) + "/" + string(rel.Target)
	if visited[ref] {
		return resource.Resource{}, false, nil
	}
	visited[ref] = true

	dep, err := b.local.Get(ctx, rel.TargetType, rel.Target)
	if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrNoRepository) {
		b.logger.Debug("dependency not stored locally, not bundled", "ref", ref)
		return resource.Resource{}, false, nil
	}
	if err != nil {
		return resource.Resource{}, false, err
	}

	exists, err := b.remote.Exists(ctx, rel.TargetType, rel.Target)
	if err != nil {
		return resource.Resource{}, false, err
	}
	if exists {
		return resource.Resource{}, false, nil
	}
	return dep, true, nil
}
