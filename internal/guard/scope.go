package guard

import (
	"errors"
	"fmt"
	"slices"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

// ErrUnscopedQuery is returned when SQL is rendered for a query that was
// never restricted to a tenant.
var ErrUnscopedQuery = errors.New("query is not scoped to a tenant")

// Predicate restricts a collection to the records of exactly one tenant.
type Predicate struct {
	TenantID uuid.UUID
}

// TenantPredicate returns the scoping predicate for tenantID.
func TenantPredicate(tenantID uuid.UUID) Predicate {
	return Predicate{TenantID: tenantID}
}

// IsZero reports whether the predicate is unset. A zero predicate matches nothing.
func (p Predicate) IsZero() bool {
	return p.TenantID == uuid.Nil
}

// Matches reports whether r belongs to the predicate's tenant.
func (p Predicate) Matches(r Resource) bool {
	return !p.IsZero() && r != nil && r.Tenant() == p.TenantID
}

// Filter returns the items that satisfy p, preserving order.
func Filter[T Resource](p Predicate, items []T) []T {
	out := make([]T, 0, len(items))
	for _, it := range items {
		if p.Matches(it) {
			out = append(out, it)
		}
	}
	return out
}

// Query is an immutable description of a SELECT over a tenant-scoped
// collection. Builder methods return modified copies; rendering goes through
// squirrel with $n placeholders.
type Query struct {
	from         string
	columns      []string
	tenantColumn string
	scopes       []uuid.UUID
	conds        []sq.Sqlizer
	groupBy      string
	orderBy      string
	limit        uint64
	offset       uint64
	forUpdate    bool
}

// Select starts a query over from. The tenant column defaults to "tenant_id".
func Select(from string, columns ...string) Query {
	return Query{
		from:         from,
		columns:      slices.Clone(columns),
		tenantColumn: "tenant_id",
	}
}

// TenantColumn sets the column the scoping predicate applies to,
// e.g. "p.tenant_id" when the FROM clause aliases the table.
func (q Query) TenantColumn(col string) Query {
	q = q.clone()
	q.tenantColumn = col
	return q
}

// Where adds a condition written with ? placeholders. Conditions are ANDed
// and each is parenthesized. A literal ? (the jsonb operator) is written ??.
func (q Query) Where(expr string, args ...any) Query {
	return q.WhereExpr(sq.Expr("("+expr+")", slices.Clone(args)...))
}

// WhereExpr adds a squirrel predicate such as sq.Eq or sq.ILike.
func (q Query) WhereExpr(pred sq.Sqlizer) Query {
	q = q.clone()
	q.conds = append(q.conds, pred)
	return q
}

func (q Query) GroupBy(expr string) Query {
	q = q.clone()
	q.groupBy = expr
	return q
}

func (q Query) OrderBy(expr string) Query {
	q = q.clone()
	q.orderBy = expr
	return q
}

func (q Query) Limit(n int) Query {
	q = q.clone()
	q.limit = uint64(max(n, 0))
	return q
}

func (q Query) Offset(n int) Query {
	q = q.clone()
	q.offset = uint64(max(n, 0))
	return q
}

// ForUpdate locks the selected rows until the end of the transaction.
func (q Query) ForUpdate() Query {
	q = q.clone()
	q.forUpdate = true
	return q
}

// Scopes returns the tenants the query is restricted to.
func (q Query) Scopes() []uuid.UUID {
	return slices.Clone(q.scopes)
}

// Scoped reports whether at least one tenant predicate is present.
func (q Query) Scoped() bool {
	return len(q.scopes) > 0
}

// withScope adds tenantID unless the query already carries it. An existing
// scope for another tenant is kept, so scoping never widens a query.
func (q Query) withScope(tenantID uuid.UUID) Query {
	if slices.Contains(q.scopes, tenantID) {
		return q.clone()
	}
	q = q.clone()
	q.scopes = append(q.scopes, tenantID)
	return q
}

// SQL renders the query. It refuses to render a query that has no tenant
// predicate. Tenant predicates always come first in the WHERE clause.
func (q Query) SQL() (string, []any, error) {
	if !q.Scoped() {
		return "", nil, ErrUnscopedQuery
	}

	cols := q.columns
	if len(cols) == 0 {
		cols = []string{"*"}
	}
	b := sq.Select(cols...).From(q.from).PlaceholderFormat(sq.Dollar)
	for _, tid := range q.scopes {
		b = b.Where(sq.Expr(q.tenantColumn+" = ?", tid))
	}
	for _, c := range q.conds {
		b = b.Where(c)
	}
	if q.groupBy != "" {
		b = b.GroupBy(q.groupBy)
	}
	if q.orderBy != "" {
		b = b.OrderBy(q.orderBy)
	}
	if q.limit > 0 {
		b = b.Limit(q.limit)
	}
	if q.offset > 0 {
		b = b.Offset(q.offset)
	}
	if q.forUpdate {
		b = b.Suffix("FOR UPDATE")
	}

	sql, args, err := b.ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("rendering %s query: %w", q.from, err)
	}
	return sql, args, nil
}

func (q Query) clone() Query {
	q.columns = slices.Clone(q.columns)
	q.scopes = slices.Clone(q.scopes)
	q.conds = slices.Clone(q.conds)
	return q
}
