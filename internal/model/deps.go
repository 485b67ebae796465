package model

import "slices"

// BaselineDependencies are installed into every task environment.
var BaselineDependencies = []string{
	"elasticsearch6",
	"requests",
}

// SubtypeDependencies maps a task subtype to the packages it needs on top of
// BaselineDependencies.
var SubtypeDependencies = map[string][]string{
	"numpy":       {"numpy", "python-dateutil"},
	"pandas":      {"numpy", "pandas"},
	"energy_plus": {"eppy", "requests"},
}

// Dependencies resolves the package list for subtype. Unknown and empty
// subtypes get the baseline only. The result has no duplicates and keeps the
// baseline first.
func Dependencies(subtype string) []string {
	deps := slices.Clone(BaselineDependencies)
	for _, d := range SubtypeDependencies[subtype] {
		if !slices.Contains(deps, d) {
			deps = append(deps, d)
		}
	}
	return deps
}
