package qengine

import (
	"errors"

	"github.com/quatton/qbatch/pkg/qgraph"
)

// RerunGraph restricts g to the jobs that are still unresolved after report.
// A job counts as resolved when it succeeded in report or was already listed
// as presatisfied by it, so chained reruns never repeat finished work. Jobs
// missing from both are kept.
//
// The second return value lists every resolved job of g in dependency order.
// Pass it to WithPresatisfied so the new report carries the full record.
func RerunGraph(g *qgraph.Graph, report *RunReport) (*qgraph.Graph, []string, error) {
	if g == nil {
		return nil, nil, errors.New("qengine: nil graph")
	}
	if report == nil {
		return nil, nil, errors.New("qengine: nil report")
	}

	resolved := make(map[string]bool, len(report.Presatisfied)+len(report.Jobs))
	for _, name := range report.Presatisfied {
		resolved[name] = true
	}
	for _, j := range report.Jobs {
		if j.State == StateSucceeded {
			resolved[j.Name] = true
		}
	}

	// g.Names is topological, so both lists come out in dependency order.
	var keep, presatisfied []string
	for _, name := range g.Names() {
		if resolved[name] {
			presatisfied = append(presatisfied, name)
			continue
		}
		keep = append(keep, name)
	}

	sub, err := g.Restrict(keep)
	if err != nil {
		return nil, nil, err
	}
	return sub, presatisfied, nil
}
