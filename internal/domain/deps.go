package domain

// DependencyEdge is one edge of the task dependency DAG: TaskID depends on
// DependsOn.
type DependencyEdge struct {
	TaskID    string
	DependsOn string
}

// ValidateAcyclic checks that adding the given dependencies for taskID keeps
// the dependency graph a DAG. existing is the current edge set of every task
// involved (transitively). Returns a DependencyCycleError naming one cycle
// if the addition would introduce one.
func ValidateAcyclic(taskID string, dependsOn []string, existing []DependencyEdge) error {
	adj := make(map[string][]string, len(existing)+1)
	for _, e := range existing {
		adj[e.TaskID] = append(adj[e.TaskID], e.DependsOn)
	}
	adj[taskID] = append(adj[taskID], dependsOn...)

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(adj))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = inStack
		stack = append(stack, id)
		for _, dep := range adj[id] {
			switch state[dep] {
			case inStack:
				// Found a back edge: extract the cycle from the stack.
				for i, s := range stack {
					if s == dep {
						return append(append([]string{}, stack[i:]...), dep)
					}
				}
				return []string{dep, id, dep}
			case unvisited:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	if cycle := visit(taskID); cycle != nil {
		return &DependencyCycleError{TaskID: taskID, Cycle: cycle}
	}
	// The new task is the only possible entry point for a new cycle, but
	// check the rest of the graph too so a corrupt edge set is caught here
	// rather than at execution time.
	for id := range adj {
		if state[id] == unvisited {
			if cycle := visit(id); cycle != nil {
				return &DependencyCycleError{TaskID: id, Cycle: cycle}
			}
		}
	}
	return nil
}
