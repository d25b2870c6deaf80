package sim

import (
	"errors"
	"fmt"
	"sort"
)

var ErrDependencyCycle = errors.New("rule dependency cycle")

// Order sorts models so every rule runs after the models in its After list.
// Dependencies not present in models are ignored. Among models that are free
// to run, the canonical chain goes first, then the rest by key.
func Order(models []string, rules map[string]Rule) ([]string, error) {
	present := make(map[string]bool, len(models))
	for _, m := range models {
		present[m] = true
	}

	indegree := make(map[string]int, len(models))
	dependents := make(map[string][]string)
	for _, m := range models {
		for _, dep := range rules[m].After {
			if !present[dep] || dep == m {
				continue
			}
			indegree[m]++
			dependents[dep] = append(dependents[dep], m)
		}
	}

	var ready []string
	for _, m := range models {
		if indegree[m] == 0 {
			ready = append(ready, m)
		}
	}

	out := make([]string, 0, len(models))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return before(ready[i], ready[j]) })
		m := ready[0]
		ready = ready[1:]
		out = append(out, m)
		for _, d := range dependents[m] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(out) != len(models) {
		var stuck []string
		for _, m := range models {
			if indegree[m] > 0 {
				stuck = append(stuck, m)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w: %v", ErrDependencyCycle, stuck)
	}
	return out, nil
}

func rank(model string) int {
	for i, m := range canonicalOrder {
		if m == model {
			return i
		}
	}
	return len(canonicalOrder)
}

func before(a, b string) bool {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra < rb
	}
	return a < b
}
