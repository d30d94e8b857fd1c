package retry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

// Registry maps policy names to policies. It is immutable after
// construction; Lookup never fails.
type Registry struct {
	policies    map[string]Policy
	defaultName string
	logger      *slog.Logger
}

// NewRegistry validates and indexes policies. Every policy must be non-nil
// with a unique non-empty name, and defaultName must be among them.
func NewRegistry(defaultName string, logger *slog.Logger, policies ...Policy) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var errs []error

	byName := make(map[string]Policy, len(policies))

	for i, p := range policies {
		if p == nil {
			errs = append(errs, fmt.Errorf("retry: policy #%d is nil", i))
			continue
		}

		name := p.Name()
		if name == "" {
			errs = append(errs, fmt.Errorf("retry: policy #%d (%T) has an empty name", i, p))
			continue
		}

		if _, dup := byName[name]; dup {
			errs = append(errs, fmt.Errorf("retry: duplicate policy name %q", name))
			continue
		}

		byName[name] = p
	}

	if _, ok := byName[defaultName]; !ok {
		errs = append(errs, fmt.Errorf("retry: default policy %q is not registered", defaultName))
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return &Registry{policies: byName, defaultName: defaultName, logger: logger}, nil
}

// Lookup returns the named policy, or the default when name is empty or
// unknown. Unknown names are logged, not returned as errors.
func (r *Registry) Lookup(name string) Policy {
	if name == "" {
		return r.policies[r.defaultName]
	}

	if p, ok := r.policies[name]; ok {
		return p
	}

	r.logger.Warn("unknown retry policy, using default",
		slog.String("policy", name),
		slog.String("default", r.defaultName),
	)

	return r.policies[r.defaultName]
}

// Default returns the default policy.
func (r *Registry) Default() Policy {
	return r.policies[r.defaultName]
}

// Names lists registered policy names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.policies))
	for n := range r.policies {
		names = append(names, n)
	}

	sort.Strings(names)

	return names
}
