package serv

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wildoasis/dashcache/core"
)

var pgOperators = map[string]string{
	core.MethodEq:  "=",
	core.MethodNeq: "<>",
	core.MethodGt:  ">",
	core.MethodGte: ">=",
	core.MethodLt:  "<",
	core.MethodLte: "<=",
}

// PGGateway reads and writes resources as Postgres tables of the same
// name, each with an id primary key
type PGGateway struct {
	pool *pgxpool.Pool
}

// NewPGGateway connects a pool to the database at connString
func NewPGGateway(ctx context.Context, connString string) (*PGGateway, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	return &PGGateway{pool: pool}, nil
}

// List selects the rows of a table, optionally filtered
func (g *PGGateway) List(ctx context.Context, resource string, filter *core.Filter) ([]core.Row, error) {
	sql, args, err := buildList(resource, filter)
	if err != nil {
		return nil, &core.LoadError{Resource: resource, Err: err}
	}

	rows, err := g.query(ctx, sql, args)
	if err != nil {
		return nil, &core.LoadError{Resource: resource, Err: err}
	}
	return rows, nil
}

// Insert inserts a row and returns it with its generated columns
func (g *PGGateway) Insert(ctx context.Context, resource string, row core.Row) (core.Row, error) {
	sql, args := buildInsert(resource, row)

	rows, err := g.query(ctx, sql, args)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("insert %s: no row returned", resource)
	}
	return rows[0], nil
}

// Update sets the given columns of the row with id
func (g *PGGateway) Update(ctx context.Context, resource, id string, row core.Row) (core.Row, error) {
	sql, args, err := buildUpdate(resource, id, row)
	if err != nil {
		return nil, err
	}

	rows, err := g.query(ctx, sql, args)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s %s: %w", resource, id, core.ErrNotFound)
	}
	return rows[0], nil
}

// Remove deletes the row with id
func (g *PGGateway) Remove(ctx context.Context, resource, id string) ([]core.Row, error) {
	sql, args := buildDelete(resource, id)
	return g.query(ctx, sql, args)
}

// Ping checks the database connection
func (g *PGGateway) Ping(ctx context.Context) error {
	return g.pool.Ping(ctx)
}

// Close closes the pool
func (g *PGGateway) Close() {
	g.pool.Close()
}

func (g *PGGateway) query(ctx context.Context, sql string, args []any) ([]core.Row, error) {
	rows, err := g.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}

	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, err
	}

	res := make([]core.Row, len(maps))
	for i, m := range maps {
		res[i] = core.Row(m)
	}
	return res, nil
}

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// idArg passes numeric ids as integers so they compare against bigint
// keys; anything else is sent as text
func idArg(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

func sortedColumns(row core.Row) []string {
	cols := make([]string, 0, len(row))
	for k := range row {
		if k != core.IDField {
			cols = append(cols, k)
		}
	}
	sort.Strings(cols)
	return cols
}

func buildList(resource string, f *core.Filter) (string, []any, error) {
	var sb strings.Builder
	var args []any

	sb.WriteString("SELECT * FROM ")
	sb.WriteString(quoteIdent(resource))

	if f != nil {
		op, ok := pgOperators[f.Method]
		if !ok {
			return "", nil, fmt.Errorf("unknown filter method: %q", f.Method)
		}
		fmt.Fprintf(&sb, " WHERE %s %s $1", quoteIdent(f.Field), op)
		args = append(args, f.Value)
	}

	sb.WriteString(" ORDER BY ")
	sb.WriteString(quoteIdent(core.IDField))
	return sb.String(), args, nil
}

func buildInsert(resource string, row core.Row) (string, []any) {
	cols := sortedColumns(row)
	if len(cols) == 0 {
		return "INSERT INTO " + quoteIdent(resource) + " DEFAULT VALUES RETURNING *", nil
	}

	names := make([]string, len(cols))
	params := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		names[i] = quoteIdent(c)
		params[i] = "$" + strconv.Itoa(i+1)
		args[i] = row[c]
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		quoteIdent(resource), strings.Join(names, ", "), strings.Join(params, ", "))
	return sql, args
}

func buildUpdate(resource, id string, row core.Row) (string, []any, error) {
	cols := sortedColumns(row)
	if len(cols) == 0 {
		return "", nil, &core.ValidationError{Field: resource, Reason: "no columns to update"}
	}

	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", quoteIdent(c), i+1)
		args = append(args, row[c])
	}
	args = append(args, idArg(id))

	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d RETURNING *",
		quoteIdent(resource), strings.Join(sets, ", "), quoteIdent(core.IDField), len(args))
	return sql, args, nil
}

func buildDelete(resource, id string) (string, []any) {
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s = $1 RETURNING *",
		quoteIdent(resource), quoteIdent(core.IDField))
	return sql, []any{idArg(id)}
}
