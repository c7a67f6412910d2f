package engine

import "fmt"

// DBCmd identifies a statement in a QueryMap. Each store package declares
// its own command range to keep the values unique across stores.
type DBCmd int

// Query holds the dialect-specific variants of one SQL statement
type Query struct {
	Sqlite   string
	Postgres string
}

// QueryMap maps commands to their dialect-specific statements
type QueryMap struct {
	queries map[DBCmd]Query
}

// NewQueryMap creates an empty QueryMap
func NewQueryMap() *QueryMap {
	return &QueryMap{queries: map[DBCmd]Query{}}
}

// Add registers a statement with per-dialect variants
func (q *QueryMap) Add(cmd DBCmd, query Query) *QueryMap {
	q.queries[cmd] = query
	return q
}

// AddSame registers a statement identical for all dialects
func (q *QueryMap) AddSame(cmd DBCmd, query string) *QueryMap {
	return q.Add(cmd, Query{Sqlite: query, Postgres: query})
}

// Pick returns the statement for the given engine type and command
func (q *QueryMap) Pick(dbType Type, cmd DBCmd) (string, error) {
	query, ok := q.queries[cmd]
	if !ok {
		return "", fmt.Errorf("unsupported command type %d", cmd)
	}

	switch dbType {
	case Sqlite:
		return query.Sqlite, nil
	case Postgres:
		return query.Postgres, nil
	default:
		return "", fmt.Errorf("unsupported database type %q", dbType)
	}
}
