package builtin

import (
	"context"

	"github.com/catherinevee/diagmgr/internal/models"
	"github.com/catherinevee/diagmgr/internal/scanner"
)

// Integrity inspects stored data and core files for corruption: orphaned
// records, failed checksums, unexpected core modifications.
func Integrity() *scanner.Definition {
	return &scanner.Definition{
		ID:        "integrity",
		Name:      "Data Integrity Scanner",
		Category:  models.CategoryIntegrity,
		Version:   "1.0.0",
		Component: "core",
		Extract:   extractIntegrity,
		ResourcePath: func(rule *models.DiagnosticRule, data models.DataSet) string {
			return "integrity/" + rule.ID
		},
	}
}

func extractIntegrity(ctx context.Context, sc *scanner.Context) (models.DataSet, error) {
	c := newCollect()

	database, err := fetchMap(ctx, sc, "database.integrity")
	c.put("database", database, err)

	files, err := fetchMap(ctx, sc, "files.integrity")
	c.put("files", files, err)

	return c.result()
}
