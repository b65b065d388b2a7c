package builtin

import (
	"context"

	"github.com/catherinevee/diagmgr/internal/models"
	"github.com/catherinevee/diagmgr/internal/scanner"
)

// Configuration inspects installation settings against hardening and
// hygiene baselines.
func Configuration() *scanner.Definition {
	return &scanner.Definition{
		ID:        "configuration",
		Name:      "Configuration Scanner",
		Category:  models.CategoryConfiguration,
		Version:   "1.0.0",
		Component: "core",
		Extract:   extractConfiguration,
		ResourcePath: func(rule *models.DiagnosticRule, data models.DataSet) string {
			return "config/" + rule.ID
		},
	}
}

func extractConfiguration(ctx context.Context, sc *scanner.Context) (models.DataSet, error) {
	c := newCollect()

	settings, err := fetchMap(ctx, sc, "settings")
	c.put("settings", settings, err)

	environment, err := fetchMap(ctx, sc, "environment")
	c.put("environment", environment, err)

	return c.result()
}
