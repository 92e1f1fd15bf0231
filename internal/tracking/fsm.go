package tracking

import "vettrack/internal/model"

// transitions is the directed lifecycle graph. Cancellation is handled
// separately since it is reachable from every non-terminal status.
var transitions = map[model.Status][]model.Status{
	model.StatusPending:      {model.StatusVetAssigned, model.StatusAccepted},
	model.StatusVetAssigned:  {model.StatusAccepted},
	model.StatusAccepted:     {model.StatusOnWay, model.StatusTutorArrived},
	model.StatusOnWay:        {model.StatusArrived},
	model.StatusArrived:      {model.StatusInService},
	model.StatusTutorArrived: {model.StatusInService},
	model.StatusInService:    {model.StatusCompleted},
}

// reachable[from][to] is the transitive closure of transitions
var reachable = closure(transitions)

func closure(edges map[model.Status][]model.Status) map[model.Status]map[model.Status]bool {
	out := make(map[model.Status]map[model.Status]bool, len(edges))
	var visit func(root, at model.Status)
	visit = func(root, at model.Status) {
		for _, next := range edges[at] {
			if out[root][next] {
				continue
			}
			out[root][next] = true
			visit(root, next)
		}
	}
	for from := range edges {
		out[from] = make(map[model.Status]bool)
		visit(from, from)
	}
	return out
}

// modeAllows filters statuses that belong to the other mode's branch. An
// unknown mode allows every status.
func modeAllows(mode model.Mode, to model.Status) bool {
	switch mode {
	case model.ModeHome:
		return to != model.StatusTutorArrived
	case model.ModeClinic:
		return to != model.StatusOnWay && to != model.StatusArrived
	}
	return true
}

// CanTransition reports whether a request in status from may move to status
// to. Moves may skip intermediate statuses that were never observed, but
// never go backwards, and nothing leaves a terminal status.
func CanTransition(mode model.Mode, from, to model.Status) bool {
	if from.Terminal() || from == to {
		return false
	}
	if to == model.StatusCancelled {
		return true
	}
	if !modeAllows(mode, to) {
		return false
	}
	return reachable[from][to]
}

// vetLocationVisible reports whether the vet position is tracked in this
// status. Only home visits have a travelling vet.
func vetLocationVisible(mode model.Mode, st model.Status) bool {
	return mode == model.ModeHome && (st == model.StatusOnWay || st == model.StatusArrived)
}
