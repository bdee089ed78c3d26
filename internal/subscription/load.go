package subscription

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
)

// LoadDir compiles the CUE files of dir into definitions.
func LoadDir(dir string) ([]Definition, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("subscriptions directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no CUE files found in %s", dir)
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances loaded from %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("loading CUE files: %w", inst.Err)
	}

	value := cuecontext.New().BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, formatCUEError("", err)
	}
	return Compile(value)
}

// CompileString compiles definitions from CUE source.
func CompileString(src string) ([]Definition, error) {
	return Compile(cuecontext.New().CompileString(src))
}

// Dir is a Provider reading a directory on every call, so edits are
// picked up by the next pull.
type Dir string

func (d Dir) SubscriptionDefinitions(context.Context) ([]Definition, error) {
	return LoadDir(string(d))
}
