// Package catalogue holds the pure operations over a process's module
// graph: the pairing edges of a process encode which module sequences are
// orderable, with nil endpoints standing for the start and end sentinels.
package catalogue

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/labstream/workplan-backend/internal/domain"
)

const (
	// StartSentinel and EndSentinel name the virtual endpoints of a
	// process's module graph in user-facing link maps.
	StartSentinel = "start"
	EndSentinel   = "end"
)

func moduleNames(modules []domain.ProcessModule) map[uuid.UUID]string {
	names := make(map[uuid.UUID]string, len(modules))
	for _, m := range modules {
		names[m.ID] = m.Name
	}
	return names
}

func nodeName(id *uuid.UUID, names map[uuid.UUID]string, sentinel string) string {
	if id == nil {
		return sentinel
	}
	if n, ok := names[*id]; ok {
		return n
	}
	return id.String()
}

// BuildAvailableLinks maps each module name (or the start sentinel) to the
// names of the modules reachable from it in one step (or the end sentinel).
func BuildAvailableLinks(pairings []domain.ProcessModulePairing, modules []domain.ProcessModule) map[string][]string {
	names := moduleNames(modules)
	links := make(map[string][]string)
	for _, p := range pairings {
		from := nodeName(p.FromModuleID, names, StartSentinel)
		to := nodeName(p.ToModuleID, names, EndSentinel)
		links[from] = append(links[from], to)
	}
	return links
}

// BuildDefaultPath walks the default-path pairings from start to end and
// returns the modules on the walk in order. The default edges must form
// exactly one start-to-end walk; anything else is a malformed catalogue.
func BuildDefaultPath(pairings []domain.ProcessModulePairing, modules []domain.ProcessModule) ([]domain.ProcessModule, error) {
	byID := make(map[uuid.UUID]domain.ProcessModule, len(modules))
	for _, m := range modules {
		byID[m.ID] = m
	}

	next := make(map[uuid.UUID]*domain.ProcessModulePairing)
	var fromStart *domain.ProcessModulePairing
	for i := range pairings {
		p := pairings[i]
		if !p.DefaultPath {
			continue
		}
		if p.FromModuleID == nil {
			if fromStart != nil {
				return nil, fmt.Errorf("default path branches at start")
			}
			fromStart = &pairings[i]
			continue
		}
		if _, dup := next[*p.FromModuleID]; dup {
			return nil, fmt.Errorf("default path branches at module %s", nodeName(p.FromModuleID, moduleNames(modules), StartSentinel))
		}
		next[*p.FromModuleID] = &pairings[i]
	}
	if fromStart == nil {
		return nil, fmt.Errorf("default path has no start edge")
	}

	var path []domain.ProcessModule
	edge := fromStart
	// A well-formed walk visits each default edge at most once; more steps
	// than edges means the catalogue smuggled in a cycle.
	for steps := 0; ; steps++ {
		if steps > len(pairings) {
			return nil, fmt.Errorf("default path does not terminate")
		}
		if edge.ToModuleID == nil {
			return path, nil
		}
		m, ok := byID[*edge.ToModuleID]
		if !ok {
			return nil, fmt.Errorf("default path references unknown module %s", edge.ToModuleID)
		}
		path = append(path, m)
		edge, ok = next[m.ID]
		if !ok {
			return nil, fmt.Errorf("default path dead-ends at module %s", m.Name)
		}
	}
}

// ModulesOK reports whether the candidate module-id sequence is a walk from
// start to end over the process's pairing edges. The empty sequence is
// never valid: every stage runs at least one module. Pairing graphs are
// trusted to be acyclic; ingestion is responsible for rejecting cycles.
func ModulesOK(moduleIDs []uuid.UUID, pairings []domain.ProcessModulePairing) bool {
	if len(moduleIDs) == 0 {
		return false
	}

	edges := make(map[string]bool, len(pairings))
	key := func(from, to *uuid.UUID) string {
		f, t := "", ""
		if from != nil {
			f = from.String()
		}
		if to != nil {
			t = to.String()
		}
		return f + ">" + t
	}
	for _, p := range pairings {
		edges[key(p.FromModuleID, p.ToModuleID)] = true
	}

	var cur *uuid.UUID
	for i := range moduleIDs {
		id := moduleIDs[i]
		if !edges[key(cur, &id)] {
			return false
		}
		cur = &moduleIDs[i]
	}
	return edges[key(cur, nil)]
}
