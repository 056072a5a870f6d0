package sqldb

import (
	stderrors "errors"
	"strconv"
	"strings"
	"sync"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/zoravur/liveview/pkg/errors"
	"github.com/zoravur/liveview/pkg/schema"
	"github.com/zoravur/liveview/pkg/statement"
)

// Dialect adapts rendered statements to one SQL server.
type Dialect interface {
	// DriverName is the database/sql driver the dialect opens connections with.
	DriverName() string
	Placeholder(n int) string
	// CreateTable returns the DDL statements creating t.
	CreateTable(t *schema.Table) []string
	// Truncate returns the statement emptying t inside a transaction.
	Truncate(t *schema.Table) string
	// Returning reports whether generated ids are read back with a
	// RETURNING clause instead of LastInsertId.
	Returning() bool
	IsDuplicate(err error) bool
	// Validate checks a rendered statement before it is sent.
	Validate(sql string) error
}

// DialectFor returns the dialect of a database/sql driver name.
func DialectFor(driverName string) (Dialect, error) {
	switch driverName {
	case "pgx", "postgres":
		return NewPostgres(driverName), nil
	case "mysql":
		return MySQL{}, nil
	}
	return nil, errors.Newf(errors.ErrSchemaViolation, "unsupported sql driver %q", driverName)
}

// Postgres speaks to PostgreSQL through pgx ("pgx") or lib/pq ("postgres").
type Postgres struct {
	driver string

	// validated holds the fingerprints of statements pg_query accepted.
	validated sync.Map
}

func NewPostgres(driverName string) *Postgres {
	return &Postgres{driver: driverName}
}

func (p *Postgres) DriverName() string       { return p.driver }
func (p *Postgres) Placeholder(n int) string { return "$" + strconv.Itoa(n) }
func (p *Postgres) Returning() bool          { return true }

func (p *Postgres) CreateTable(t *schema.Table) []string {
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	b.WriteString(t.Name)
	b.WriteString(" (\n")
	for _, f := range t.Fields {
		b.WriteString("  ")
		b.WriteString(f.Name)
		b.WriteString(" ")
		b.WriteString(postgresType(f))
		if f.IsAutoIncrement {
			b.WriteString(" GENERATED BY DEFAULT AS IDENTITY")
		}
		if !f.AllowNull {
			b.WriteString(" NOT NULL")
		}
		b.WriteString(",\n")
	}
	b.WriteString("  PRIMARY KEY (")
	b.WriteString(strings.Join(t.PrimaryIndex().FieldNames, ", "))
	b.WriteString(")\n)")

	out := []string{b.String()}
	for _, idx := range t.Indexes {
		switch idx.Type {
		case schema.IndexTypeUnique:
			out = append(out, "CREATE UNIQUE INDEX "+indexName(t, idx)+" ON "+t.Name+" ("+strings.Join(idx.FieldNames, ", ")+")")
		case schema.IndexTypeOther:
			out = append(out, "CREATE INDEX "+indexName(t, idx)+" ON "+t.Name+" ("+strings.Join(idx.FieldNames, ", ")+")")
		}
	}
	return out
}

func (p *Postgres) Truncate(t *schema.Table) string {
	return "TRUNCATE TABLE " + t.Name + " RESTART IDENTITY"
}

func (p *Postgres) IsDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// Validate parses sql once per fingerprint.
func (p *Postgres) Validate(sql string) error {
	if _, ok := p.validated.Load(sql); ok {
		return nil
	}
	fp, err := pg_query.Fingerprint(sql)
	if err != nil {
		return errors.Wrapf(errors.New(errors.ErrParse, err.Error()), "postgres rejected %q", sql)
	}
	if _, ok := p.validated.Load(fp); !ok {
		tree, err := pg_query.Parse(sql)
		if err != nil {
			return errors.Wrapf(errors.New(errors.ErrParse, err.Error()), "postgres rejected %q", sql)
		}
		if n := len(tree.GetStmts()); n != 1 {
			return errors.Newf(errors.ErrParse, "expected one statement, got %d in %q", n, sql)
		}
		p.validated.Store(fp, struct{}{})
	}
	p.validated.Store(sql, struct{}{})
	return nil
}

func postgresType(f *schema.FieldDef) string {
	switch f.Type {
	case schema.FieldTypeString:
		if f.MaxLength > 0 {
			return "VARCHAR(" + strconv.Itoa(f.MaxLength) + ")"
		}
		return "TEXT"
	case schema.FieldTypeByte:
		return "SMALLINT"
	case schema.FieldTypeInt:
		return "INTEGER"
	case schema.FieldTypeLong:
		return "BIGINT"
	case schema.FieldTypeFloat:
		return "REAL"
	case schema.FieldTypeDouble:
		return "DOUBLE PRECISION"
	case schema.FieldTypeDateTime:
		return "TIMESTAMPTZ"
	}
	return "TEXT"
}

func indexName(t *schema.Table, idx *schema.Index) string {
	suffix := "idx"
	if idx.Type == schema.IndexTypeUnique {
		suffix = "key"
	}
	return t.Name + "_" + strings.Join(idx.FieldNames, "_") + "_" + suffix
}

// MySQL speaks to MySQL and MariaDB through go-sql-driver/mysql.
type MySQL struct{}

func (MySQL) DriverName() string       { return "mysql" }
func (MySQL) Placeholder(n int) string { return statement.QuestionMark(n) }
func (MySQL) Returning() bool          { return false }

func (MySQL) CreateTable(t *schema.Table) []string {
	return []string{statement.RenderCreate(t)}
}

// Truncate deletes instead of TRUNCATE, which would commit implicitly.
func (MySQL) Truncate(t *schema.Table) string {
	return "DELETE FROM " + t.Name
}

func (MySQL) IsDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	return stderrors.As(err, &myErr) && myErr.Number == 1062
}

func (MySQL) Validate(string) error { return nil }

// MySQLDSN returns dsn with the options the driver relies on: affected-row
// counts include matched but unchanged rows, and DATETIME columns scan as
// time.Time.
func MySQLDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", errors.Wrap(err, "parsing mysql dsn")
	}
	cfg.ClientFoundRows = true
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}
