package builtin

import (
	"context"
	"sort"

	"github.com/catherinevee/diagmgr/internal/models"
	"github.com/catherinevee/diagmgr/internal/scanner"
)

// Conflicts inspects installed extensions for collisions: two active
// extensions providing the same capability, or extensions declaring a
// version requirement the installation does not meet.
func Conflicts() *scanner.Definition {
	return &scanner.Definition{
		ID:        "conflicts",
		Name:      "Extension Conflict Scanner",
		Category:  models.CategoryConflicts,
		Version:   "1.0.0",
		Component: "extensions",
		Extract:   extractConflicts,
		ResourcePath: func(rule *models.DiagnosticRule, data models.DataSet) string {
			return "extensions/" + rule.ID
		},
	}
}

func extractConflicts(ctx context.Context, sc *scanner.Context) (models.DataSet, error) {
	extensions, err := fetchList(ctx, sc, "extensions")
	if err != nil {
		return nil, err
	}
	data := models.DataSet{}
	if extensions.IsNull() {
		return data, nil
	}
	data["extensions"] = extensions

	items, _ := extensions.AsList()
	var (
		activeCount  int64
		incompatible int64
		providers    = make(map[string]int)
	)

	err = scanner.ProcessBatches(ctx, len(items), 0, func(start, end int) error {
		for _, ext := range items[start:end] {
			active, _ := ext.Resolve("active")
			isActive, _ := active.AsBool()
			if !isActive {
				continue
			}
			activeCount++

			if req, ok := ext.Resolve("requires_version"); ok {
				if pattern, ok := req.AsString(); ok && !models.MatchesVersion(sc.SystemVersion, []string{pattern}) {
					incompatible++
				}
			}
			if provides, ok := ext.Resolve("provides"); ok {
				caps, _ := provides.AsList()
				for _, c := range caps {
					if name, ok := c.AsString(); ok {
						providers[name]++
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return data, err
	}

	var duplicates []models.Value
	for name, count := range providers {
		if count > 1 {
			duplicates = append(duplicates, models.StringVal(name))
		}
	}
	sort.Slice(duplicates, func(i, j int) bool {
		a, _ := duplicates[i].AsString()
		b, _ := duplicates[j].AsString()
		return a < b
	})

	data["conflicts"] = models.MapVal(map[string]models.Value{
		"total_count":            models.IntVal(int64(len(items))),
		"active_count":           models.IntVal(activeCount),
		"incompatible_count":     models.IntVal(incompatible),
		"duplicate_capabilities": models.ListVal(duplicates...),
		"duplicate_count":        models.IntVal(int64(len(duplicates))),
	})
	return data, nil
}
