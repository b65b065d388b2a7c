package builtin

import (
	"context"

	"github.com/catherinevee/diagmgr/internal/models"
	"github.com/catherinevee/diagmgr/internal/scanner"
)

// Security inspects authentication settings, transport hardening and user
// accounts.
func Security() *scanner.Definition {
	return &scanner.Definition{
		ID:        "security",
		Name:      "Security Scanner",
		Category:  models.CategorySecurity,
		Version:   "1.0.0",
		Component: "core",
		Extract:   extractSecurity,
		ResourcePath: func(rule *models.DiagnosticRule, data models.DataSet) string {
			return "security/" + rule.ID
		},
	}
}

func extractSecurity(ctx context.Context, sc *scanner.Context) (models.DataSet, error) {
	c := newCollect()

	security, err := fetchMap(ctx, sc, "settings.security")
	c.put("security", security, err)

	auth, err := fetchMap(ctx, sc, "settings.auth")
	c.put("auth", auth, err)

	users, err := fetchList(ctx, sc, "users")
	c.put("users", users, err)

	headers, err := fetchMap(ctx, sc, "http.headers")
	c.put("headers", headers, err)

	return c.result()
}
