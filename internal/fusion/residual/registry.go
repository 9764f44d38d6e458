package residual

import (
	"fmt"
	"sort"
)

var models = map[string]func() *Update{
	"pose":     NewPoseUpdate,
	"odometry": NewOdometry,
}

// New returns a fresh Update for the named model.
func New(name string) (*Update, error) {
	f, ok := models[name]
	if !ok {
		return nil, fmt.Errorf("unknown model %q (known: %v)", name, Models())
	}
	return f(), nil
}

// Models lists the registered model names.
func Models() []string {
	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
