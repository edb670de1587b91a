// Package gate holds the pure dependency-gate predicates for todos. It performs
// no I/O; callers resolve dependency statuses and pass them in.
package gate

import "github.com/mgrt/missiond/pkg/models"

// Ready reports whether a todo may start: it is pending and every dependency
// has reached the terminal-success status (done).
func Ready(todoStatus string, depStatuses []string) bool {
	if todoStatus != models.TodoPending {
		return false
	}
	return allDone(depStatuses)
}

// Blocked reports whether a todo is held by dependencies: the dependency set is
// non-empty and not all dependencies are done.
func Blocked(depStatuses []string) bool {
	return len(depStatuses) > 0 && !allDone(depStatuses)
}

func allDone(statuses []string) bool {
	for _, s := range statuses {
		if s != models.TodoDone {
			return false
		}
	}
	return true
}

// WouldCreateCycle reports whether adding the edge todoID -> dependsOnID to the
// existing dependency graph would create a cycle. Cycles are rejected at
// attach time; a cyclic graph would otherwise block every todo in the cycle
// forever with no diagnostic.
func WouldCreateCycle(todoID, dependsOnID string, edges map[string][]string) bool {
	if todoID == dependsOnID {
		return true
	}
	// A cycle appears iff todoID is already reachable from dependsOnID.
	seen := map[string]bool{dependsOnID: true}
	stack := []string{dependsOnID}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range edges[cur] {
			if next == todoID {
				return true
			}
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}
