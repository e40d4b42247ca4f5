package main

import (
	"fmt"
	"sort"
	"strings"
)

// normalizeName folds case and separators so "Living Room" matches
// "living-room".
func normalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return '_'
		}
		return r
	}, name)
	for strings.Contains(name, "__") {
		name = strings.ReplaceAll(name, "__", "_")
	}
	return name
}

// resolveNamedID maps a user supplied label to an id. An id passes through
// unchanged; an exact name wins over a unique name prefix.
func resolveNamedID(kind, input string, options map[string]string) (string, error) {
	needle := normalizeName(input)
	var prefixed []string
	for label, id := range options {
		if id == input {
			return id, nil
		}
		switch norm := normalizeName(label); {
		case norm == needle:
			return id, nil
		case needle != "" && strings.HasPrefix(norm, needle):
			prefixed = append(prefixed, label)
		}
	}
	if len(prefixed) == 1 {
		return options[prefixed[0]], nil
	}

	labels := prefixed
	reason := "matches several"
	if len(labels) == 0 {
		reason = "not found"
		for label := range options {
			labels = append(labels, label)
		}
	}
	sort.Strings(labels)
	return "", fmt.Errorf("%s %q %s. Available: %s", kind, input, reason, strings.Join(labels, ", "))
}
