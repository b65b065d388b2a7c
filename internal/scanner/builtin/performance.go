package builtin

import (
	"context"

	"github.com/catherinevee/diagmgr/internal/models"
	"github.com/catherinevee/diagmgr/internal/scanner"
)

// Performance inspects response times, resource usage and cache posture.
func Performance() *scanner.Definition {
	return &scanner.Definition{
		ID:        "performance",
		Name:      "Performance Scanner",
		Category:  models.CategoryPerformance,
		Version:   "1.0.0",
		Component: "core",
		Extract:   extractPerformance,
		ResourcePath: func(rule *models.DiagnosticRule, data models.DataSet) string {
			return "performance/" + rule.ID
		},
	}
}

func extractPerformance(ctx context.Context, sc *scanner.Context) (models.DataSet, error) {
	c := newCollect()

	metrics, err := fetchMap(ctx, sc, "metrics")
	c.put("performance", metrics, err)

	cache, err := fetchMap(ctx, sc, "settings.cache")
	c.put("cache", cache, err)

	database, err := fetchMap(ctx, sc, "database.stats")
	c.put("database", database, err)

	return c.result()
}
