package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tonimelisma/icloud-go/internal/cloud"
	"github.com/tonimelisma/icloud-go/internal/retry"
)

// Built-in operation names.
const (
	OpAccountDevices = "account.devices"
	OpAccountStorage = "account.storage"
	OpHMEList        = "hme.list"
	OpHMEGenerate    = "hme.generate"
	OpHMEReserve     = "hme.reserve"
)

// builtinOperations returns the catalog shipped with the binary. setupBase
// is the setup service URL for the account's region; retryCount is the resolved
// default from [retry].
func builtinOperations(setupBase string, retryCount int) []cloud.Operation {
	setup := strings.TrimRight(setupBase, "/")

	return []cloud.Operation{
		{Name: OpAccountDevices, Method: "GET", Service: "account", Endpoint: "/setup/web/device/getDevices", RetryCount: retryCount},
		{Name: OpAccountStorage, Method: "POST", Endpoint: setup + "/storageUsageInfo", RetryCount: retryCount},
		{Name: OpHMEList, Method: "GET", Service: "premiummailsettings", Endpoint: "/v2/hme/list", RetryCount: retryCount},
		{Name: OpHMEGenerate, Method: "POST", Service: "premiummailsettings", Endpoint: "/v1/hme/generate", RetryCount: retryCount},
		// Reserving claims an address; a duplicate POST would claim a second one.
		{Name: OpHMEReserve, Method: "POST", Service: "premiummailsettings", Endpoint: "/v1/hme/reserve", Policy: retry.NameNone},
	}
}

// mergeOperations overlays configured operations onto the built-ins and
// returns the result sorted by name. Every problem is reported.
func mergeOperations(builtin []cloud.Operation, configured map[string]OperationConfig, retryCount int) ([]cloud.Operation, error) {
	byName := make(map[string]cloud.Operation, len(builtin)+len(configured))
	for _, op := range builtin {
		byName[op.Name] = op
	}

	var errs []error

	for name, oc := range configured {
		op, ok := byName[name]
		if !ok {
			op = cloud.Operation{Name: name, RetryCount: retryCount}
		}

		if err := applyOperationConfig(&op, oc); err != nil {
			errs = append(errs, fmt.Errorf("operations.%s: %w", name, err))
			continue
		}

		if err := op.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}

		byName[name] = op
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	out := make([]cloud.Operation, 0, len(byName))
	for _, op := range byName {
		out = append(out, op)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out, nil
}

func applyOperationConfig(op *cloud.Operation, oc OperationConfig) error {
	if oc.Service != "" {
		op.Service = oc.Service
	}

	if oc.Method != "" {
		op.Method = strings.ToUpper(oc.Method)
	}

	if oc.Endpoint != "" {
		op.Endpoint = oc.Endpoint
	}

	if oc.Protocol != "" {
		op.Protocol = oc.Protocol
	}

	if oc.RetryCount != nil {
		op.RetryCount = *oc.RetryCount
	}

	if oc.Policy != "" {
		op.Policy = oc.Policy
	}

	if oc.MaxDelay != "" {
		d, err := time.ParseDuration(oc.MaxDelay)
		if err != nil {
			return fmt.Errorf("max_delay: invalid duration %q", oc.MaxDelay)
		}

		op.MaxDelay = d
	}

	return nil
}
