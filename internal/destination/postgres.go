package destination

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/logharbor/internal/tracing"
)

// Querier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Postgres runs destination statements and returns rows keyed by column.
// Query is used for data reads and Command for control statements such as
// cursor lookups and failure-log scans.
type Postgres struct {
	db Querier
}

func NewPostgres(db Querier) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Query(ctx context.Context, text string, args ...any) ([]Row, error) {
	return p.collect(ctx, "destination.query", text, args)
}

func (p *Postgres) Command(ctx context.Context, text string, args ...any) ([]Row, error) {
	return p.collect(ctx, "destination.command", text, args)
}

func (p *Postgres) collect(ctx context.Context, span, text string, args []any) ([]Row, error) {
	ctx, s := tracing.StartSpan(ctx, span, attribute.Int("db.args", len(args)))
	defer s.End()

	rows, err := p.db.Query(ctx, text, args...)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, errors.Wrap(err, span)
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, errors.Wrap(err, span+": read rows")
	}

	out := make([]Row, len(maps))
	for i, m := range maps {
		out[i] = Row(m)
	}
	s.SetAttributes(attribute.Int("db.rows", len(out)))
	return out, nil
}
