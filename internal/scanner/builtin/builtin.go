// Package builtin provides the stock scanners, one per diagnostic
// category. Each extracts a slice of the target installation through the
// connector and leaves judgement to the rules evaluated over it.
package builtin

import (
	"context"

	"github.com/catherinevee/diagmgr/internal/connector"
	"github.com/catherinevee/diagmgr/internal/models"
	"github.com/catherinevee/diagmgr/internal/scanner"
)

// All returns the built-in scanner definitions in registration order.
func All() []*scanner.Definition {
	return []*scanner.Definition{
		Performance(),
		Security(),
		Configuration(),
		Integrity(),
		Conflicts(),
	}
}

func rowValue(row connector.Row) models.Value {
	m := make(map[string]models.Value, len(row))
	for k, v := range row {
		m[k] = v
	}
	return models.MapVal(m)
}

func rowsValue(rows []connector.Row) models.Value {
	items := make([]models.Value, len(rows))
	for i, row := range rows {
		items[i] = rowValue(row)
	}
	return models.ListVal(items...)
}

// fetchMap queries a resource expected to be a single map. A missing
// resource yields a null value and no error, so rules see it as absent.
func fetchMap(ctx context.Context, sc *scanner.Context, resource string) (models.Value, error) {
	rows, err := sc.Connector.ExecuteQuery(ctx, connector.Query{Resource: resource})
	if err != nil {
		return models.NullVal(), err
	}
	if len(rows) == 0 {
		return models.NullVal(), nil
	}
	return rowValue(rows[0]), nil
}

// fetchList queries a multi-row resource into a list value.
func fetchList(ctx context.Context, sc *scanner.Context, resource string) (models.Value, error) {
	rows, err := sc.Connector.ExecuteQuery(ctx, connector.Query{Resource: resource})
	if err != nil {
		return models.NullVal(), err
	}
	if len(rows) == 0 {
		return models.NullVal(), nil
	}
	return rowsValue(rows), nil
}

// collect merges per-resource fetches into one data set, keeping partial
// results when some fetches fail so the runner can degrade instead of
// aborting.
type collect struct {
	data models.DataSet
	errs []error
}

func newCollect() *collect {
	return &collect{data: models.DataSet{}}
}

func (c *collect) put(key string, v models.Value, err error) {
	if err != nil {
		c.errs = append(c.errs, err)
		return
	}
	if !v.IsNull() {
		c.data[key] = v
	}
}

func (c *collect) result() (models.DataSet, error) {
	if len(c.errs) == 0 {
		return c.data, nil
	}
	err := c.errs[0]
	if len(c.data) == 0 {
		return nil, err
	}
	return c.data, err
}
