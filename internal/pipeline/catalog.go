package pipeline

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tonimelisma/icloud-go/internal/cloud"
)

// Catalog is the immutable set of operations a Pipeline may invoke.
type Catalog struct {
	ops map[string]cloud.Operation
}

// NewCatalog validates every operation and rejects duplicate names. All
// problems are reported together.
func NewCatalog(ops ...cloud.Operation) (*Catalog, error) {
	var errs []error

	byName := make(map[string]cloud.Operation, len(ops))

	for _, op := range ops {
		if err := op.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}

		if _, dup := byName[op.Name]; dup {
			errs = append(errs, fmt.Errorf("duplicate operation %q", op.Name))
			continue
		}

		byName[op.Name] = op
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("pipeline: invalid catalog: %w", errors.Join(errs...))
	}

	return &Catalog{ops: byName}, nil
}

// Lookup returns the named operation.
func (c *Catalog) Lookup(name string) (cloud.Operation, bool) {
	op, ok := c.ops[name]
	return op, ok
}

// Operations lists the catalog sorted by name.
func (c *Catalog) Operations() []cloud.Operation {
	out := make([]cloud.Operation, 0, len(c.ops))
	for _, op := range c.ops {
		out = append(out, op)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}
