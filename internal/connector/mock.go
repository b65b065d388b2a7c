package connector

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/catherinevee/diagmgr/internal/models"
	errs "github.com/catherinevee/diagmgr/internal/shared/errors"
)

// OperationHandler implements one named operation on the mock.
type OperationHandler func(ctx context.Context, op Operation) (OperationResult, error)

// Mock is an in-memory connector backed by a mutable state tree. It powers
// tests and local development: scanners read slices of the tree, and
// remediation operations mutate it. Capture and restore round-trip state
// byte-for-byte through deterministic JSON.
type Mock struct {
	mu        sync.RWMutex
	connected bool
	version   string
	root      map[string]models.Value
	handlers  map[string]OperationHandler
	latency   time.Duration

	failNextQueries int
	failQueriesWith error
	failResources   map[string]error
	failOps         map[string]error

	queries    []Query
	operations []Operation
}

// NewMock creates a connected mock reporting the given system version.
func NewMock(version string) *Mock {
	m := &Mock{
		connected:     true,
		version:       version,
		root:          make(map[string]models.Value),
		handlers:      make(map[string]OperationHandler),
		failResources: make(map[string]error),
		failOps:       make(map[string]error),
	}
	m.handlers[OpCaptureState] = m.captureState
	m.handlers[OpRestoreState] = m.restoreState
	m.handlers["settings.update"] = m.updateSetting
	return m
}

// Connect marks the mock connected.
func (m *Mock) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Disconnect marks the mock disconnected.
func (m *Mock) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// IsConnected reports connection state.
func (m *Mock) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// HealthCheck reports healthy along with the configured version.
func (m *Mock) HealthCheck(ctx context.Context) (Health, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := HealthHealthy
	if !m.connected {
		status = HealthUnhealthy
	}
	return Health{Status: status, Version: m.version, ResponseTime: m.latency}, nil
}

// SetState writes a value at a dotted path, creating intermediate maps. A
// null value deletes the node. An empty path replaces the whole tree.
func (m *Mock) SetState(path string, v models.Value) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStateLocked(path, v)
}

func (m *Mock) setStateLocked(path string, v models.Value) {
	if path == "" {
		if v.IsNull() {
			m.root = make(map[string]models.Value)
			return
		}
		if tree, ok := v.AsMap(); ok {
			root := make(map[string]models.Value, len(tree))
			for k, e := range tree {
				root[k] = e
			}
			m.root = root
		}
		return
	}
	m.root = setPath(m.root, strings.Split(path, "."), v)
}

func setPath(node map[string]models.Value, segs []string, v models.Value) map[string]models.Value {
	if node == nil {
		node = make(map[string]models.Value)
	}
	key := segs[0]
	if len(segs) == 1 {
		if v.IsNull() {
			delete(node, key)
		} else {
			node[key] = v
		}
		return node
	}
	child, _ := node[key].AsMap()
	node[key] = models.MapVal(setPath(child, segs[1:], v))
	return node
}

// State reads the value at a dotted path.
func (m *Mock) State(path string) (models.Value, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return models.MapVal(m.root).Resolve(path)
}

// SetLatency makes every call sleep first, for timeout and cancellation
// tests.
func (m *Mock) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// FailNextQueries makes the next n queries return err.
func (m *Mock) FailNextQueries(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNextQueries = n
	m.failQueriesWith = err
}

// FailResource makes every query for one resource return err until cleared
// with a nil err.
func (m *Mock) FailResource(resource string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failResources, resource)
		return
	}
	m.failResources[resource] = err
}

// FailOperation makes one named operation return err until cleared with a
// nil err.
func (m *Mock) FailOperation(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failOps, name)
		return
	}
	m.failOps[name] = err
}

// RegisterOperation installs a custom operation handler.
func (m *Mock) RegisterOperation(name string, handler OperationHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[name] = handler
}

// Queries returns a copy of every query executed.
func (m *Mock) Queries() []Query {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Query{}, m.queries...)
}

// Operations returns a copy of every operation executed.
func (m *Mock) Operations() []Operation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Operation{}, m.operations...)
}

// ExecuteQuery resolves the resource path and shapes the result into rows:
// one row for a map, one per element for a list, a single "value" row for
// scalars, and no rows for a missing resource.
func (m *Mock) ExecuteQuery(ctx context.Context, q Query) ([]Row, error) {
	if err := m.sleep(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.queries = append(m.queries, q)
	if !m.connected {
		m.mu.Unlock()
		return nil, errs.ConnectorTransient("not connected", nil)
	}
	if m.failNextQueries > 0 {
		m.failNextQueries--
		err := m.failQueriesWith
		m.mu.Unlock()
		return nil, err
	}
	if err, ok := m.failResources[q.Resource]; ok {
		m.mu.Unlock()
		return nil, err
	}
	node, found := models.MapVal(m.root).Resolve(q.Resource)
	m.mu.Unlock()

	if !found {
		return nil, nil
	}

	var rows []Row
	switch node.Kind() {
	case models.KindMap:
		tree, _ := node.AsMap()
		rows = []Row{rowFromMap(tree)}
	case models.KindList:
		items, _ := node.AsList()
		for _, item := range items {
			if tree, ok := item.AsMap(); ok {
				rows = append(rows, rowFromMap(tree))
			} else {
				rows = append(rows, Row{"value": item})
			}
		}
	default:
		rows = []Row{{"value": node}}
	}

	rows = filterRows(rows, q.Filter)
	rows = projectRows(rows, q.Fields)
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return rows, nil
}

// ExecuteOperation dispatches to a registered handler.
func (m *Mock) ExecuteOperation(ctx context.Context, op Operation) (OperationResult, error) {
	if err := m.sleep(ctx); err != nil {
		return OperationResult{}, err
	}

	m.mu.Lock()
	m.operations = append(m.operations, op)
	if !m.connected {
		m.mu.Unlock()
		return OperationResult{}, errs.ConnectorTransient("not connected", nil)
	}
	if err, ok := m.failOps[op.Name]; ok {
		m.mu.Unlock()
		return OperationResult{}, err
	}
	handler, ok := m.handlers[op.Name]
	m.mu.Unlock()

	if !ok {
		return OperationResult{}, errs.ConnectorPermanent("unsupported operation "+op.Name, nil)
	}
	return handler(ctx, op)
}

func (m *Mock) sleep(ctx context.Context) error {
	m.mu.RLock()
	latency := m.latency
	m.mu.RUnlock()
	if latency <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return errs.FromContext(ctx)
	case <-time.After(latency):
		return nil
	}
}

func (m *Mock) captureState(ctx context.Context, op Operation) (OperationResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, found := models.MapVal(m.root).Resolve(op.Target)
	if !found {
		node = models.NullVal()
	}
	return OperationResult{Output: "captured " + op.Target, Data: node}, nil
}

func (m *Mock) restoreState(ctx context.Context, op Operation) (OperationResult, error) {
	raw, ok := op.Parameters["state"]
	if !ok {
		return OperationResult{}, errs.ConnectorPermanent("restore requires a state parameter", nil)
	}
	encoded, ok := raw.AsString()
	if !ok {
		return OperationResult{}, errs.ConnectorPermanent("restore state must be a JSON string", nil)
	}
	state, err := models.ParseJSON([]byte(encoded))
	if err != nil {
		return OperationResult{}, errs.ConnectorPermanent("restore state is not valid JSON", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStateLocked(op.Target, state)
	return OperationResult{Output: "restored " + op.Target, Changed: true}, nil
}

func (m *Mock) updateSetting(ctx context.Context, op Operation) (OperationResult, error) {
	pathVal, ok := op.Parameters["path"]
	if !ok {
		return OperationResult{}, errs.ConnectorPermanent("settings.update requires a path parameter", nil)
	}
	path, ok := pathVal.AsString()
	if !ok || path == "" {
		return OperationResult{}, errs.ConnectorPermanent("settings.update path must be a string", nil)
	}
	value, ok := op.Parameters["value"]
	if !ok {
		return OperationResult{}, errs.ConnectorPermanent("settings.update requires a value parameter", nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStateLocked(path, value)
	return OperationResult{Output: "updated " + path, Changed: true}, nil
}

func rowFromMap(tree map[string]models.Value) Row {
	row := make(Row, len(tree))
	for k, v := range tree {
		row[k] = v
	}
	return row
}

func filterRows(rows []Row, filter map[string]models.Value) []Row {
	if len(filter) == 0 {
		return rows
	}
	out := rows[:0]
	for _, row := range rows {
		match := true
		for k, want := range filter {
			got, ok := row[k]
			if !ok || !got.Equal(want) {
				match = false
				break
			}
		}
		if match {
			out = append(out, row)
		}
	}
	return out
}

func projectRows(rows []Row, fields []string) []Row {
	if len(fields) == 0 {
		return rows
	}
	out := make([]Row, len(rows))
	for i, row := range rows {
		projected := make(Row, len(fields))
		for _, f := range fields {
			if v, ok := row[f]; ok {
				projected[f] = v
			}
		}
		out[i] = projected
	}
	return out
}
