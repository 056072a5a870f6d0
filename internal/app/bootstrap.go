package app

import (
	"context"
	"database/sql"
	"io/fs"
	"os"
	"strings"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/zoravur/liveview/internal/logutil"
	"github.com/zoravur/liveview/pkg/database"
	"github.com/zoravur/liveview/pkg/errors"
	"github.com/zoravur/liveview/pkg/richcatalog"
	"github.com/zoravur/liveview/pkg/statement"
)

// Migrate applies every pending goose migration of fsys to a Postgres
// database.
func Migrate(ctx context.Context, db *sql.DB, fsys fs.FS, log *zap.Logger) error {
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return errors.Wrap(err, "loading migrations")
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return errors.Wrap(err, "applying migrations")
	}
	for _, r := range results {
		log.Info("migration applied",
			logutil.Values(
				zap.Int64("version", r.Source.Version),
				zap.String("path", r.Source.Path),
				zap.Duration("duration", r.Duration),
			))
	}
	return nil
}

// AdoptTables adds the tables of one Postgres schema to db's catalog and
// returns how many there were.
func AdoptTables(rc *richcatalog.DBCatalog, db *database.Database, schemaName string) (int, error) {
	tables, err := rc.Tables(schemaName)
	if err != nil {
		return 0, err
	}
	db.AddTables(tables...)
	return len(tables), nil
}

// ApplySchemaFile creates the tables of a CREATE TABLE script that db does
// not know yet.
func ApplySchemaFile(ctx context.Context, db *database.Database, path string, log *zap.Logger) error {
	script, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "reading schema file")
	}

	var missing []string
	for _, text := range statement.SplitStatements(string(script)) {
		s, err := statement.ParseCreate(text)
		if err != nil {
			return errors.Wrapf(err, "schema file %s", path)
		}
		if _, ok := db.Catalog().Table(s.Table.Name); ok {
			log.Debug("table exists", logutil.Values(zap.String("table", s.Table.Name)))
			continue
		}
		missing = append(missing, text)
	}
	if len(missing) == 0 {
		return nil
	}
	if err := db.CreateFromSQL(ctx, strings.Join(missing, ";\n")); err != nil {
		return errors.Wrapf(err, "schema file %s", path)
	}
	log.Info("tables created", logutil.Values(zap.Int("count", len(missing)), zap.String("file", path)))
	return nil
}
