package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// operationsSection is the table holding per-operation sections.
const operationsSection = "operations"

// knownSectionKeys lists the valid keys of each fixed section.
var knownSectionKeys = map[string][]string{
	"account": {"apple_id", "china_mainland", "save_password", "max_credential_attempts", "max_code_attempts"},
	"retry":   {"policy", "base_delay", "max_delay", "retry_count"},
	"network": {"timeout", "user_agent"},
	"logging": {"log_level", "log_format"},
}

// knownOperationKeys lists the valid keys inside an [operations.<name>] section.
var knownOperationKeys = []string{"service", "method", "endpoint", "protocol", "retry_count", "max_delay", "policy"}

// knownSections is the sorted list of top-level tables.
var knownSections = func() []string {
	keys := make([]string, 0, len(knownSectionKeys)+1)
	for k := range knownSectionKeys {
		keys = append(keys, k)
	}

	keys = append(keys, operationsSection)
	sort.Strings(keys)

	return keys
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	seen := make(map[string]bool)

	for _, key := range undecoded {
		err := unknownKeyError(key)
		if err == nil || seen[err.Error()] {
			continue
		}

		seen[err.Error()] = true
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// unknownKeyError describes one undecoded key path. Keys are handled as
// path segments because operation names contain dots.
func unknownKeyError(key toml.Key) error {
	if len(key) == 0 {
		return nil
	}

	section := key[0]

	if section == operationsSection {
		if len(key) < 3 {
			return fmt.Errorf("operations: %q must be a table of operation settings", strings.Join(key[1:], "."))
		}

		return keyError(fmt.Sprintf("in [operations.%q]", key[1]), key[2], knownOperationKeys)
	}

	known, ok := knownSectionKeys[section]
	if !ok {
		return keyError("at top level", section, knownSections)
	}

	if len(key) < 2 {
		return nil
	}

	return keyError(fmt.Sprintf("in [%s]", section), key[1], known)
}

func keyError(where, name string, known []string) error {
	if suggestion := closestMatch(name, known); suggestion != "" {
		return fmt.Errorf("unknown config key %q %s, did you mean %q?", name, where, suggestion)
	}

	return fmt.Errorf("unknown config key %q %s", name, where)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Single-row optimization avoids allocating a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
