package richcatalog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// introspect reads columns, indexes and foreign keys in one round trip.
func (c *DBCatalog) introspect(ctx context.Context) (Snapshot, error) {
	var filter string
	if len(c.opt.Schemas) > 0 {
		qs := make([]string, len(c.opt.Schemas))
		for i, s := range c.opt.Schemas {
			qs[i] = "'" + strings.ReplaceAll(s, "'", "''") + "'"
		}
		filter = "WHERE n.nspname IN (" + strings.Join(qs, ",") + ")"
	} else {
		filter = "WHERE n.nspname NOT IN ('pg_catalog','information_schema','pg_toast')"
	}

	// rows sort by schema, table, kind, ordinal so the checksum is stable
	q := fmt.Sprintf(`
WITH schemas AS (
  SELECT n.oid AS nspoid, n.nspname
  FROM pg_catalog.pg_namespace n
  %s
),
rels AS (
  SELECT c.oid AS relid, c.relname, c.relkind::text AS relkind, s.nspname
  FROM pg_catalog.pg_class c
  JOIN schemas s ON s.nspoid = c.relnamespace
  WHERE c.relkind IN ('r','p','v','m')
),
cols AS (
  SELECT r.nspname, r.relname, r.relkind, a.attnum, a.attname,
         pg_catalog.format_type(a.atttypid, a.atttypmod) AS typ,
         a.attnotnull,
         a.attidentity <> '' AS isident,
         pg_get_expr(ad.adbin, ad.adrelid) AS defsql
  FROM rels r
  JOIN pg_catalog.pg_attribute a ON a.attrelid = r.relid AND a.attnum > 0 AND NOT a.attisdropped
  LEFT JOIN pg_catalog.pg_attrdef ad ON ad.adrelid = r.relid AND ad.adnum = a.attnum
),
idx AS (
  SELECT r.nspname, r.relname, ci.relname AS idxname, i.indisunique, i.indisprimary,
         (SELECT array_agg(a.attname ORDER BY k.ord)
            FROM unnest(i.indkey) WITH ORDINALITY AS k(attnum, ord)
            JOIN pg_catalog.pg_attribute a ON a.attrelid = r.relid AND a.attnum = k.attnum
         ) AS cols
  FROM rels r
  JOIN pg_catalog.pg_index i ON i.indrelid = r.relid
  JOIN pg_catalog.pg_class ci ON ci.oid = i.indexrelid
),
fk AS (
  SELECT r.nspname, r.relname, con.conname,
         (SELECT array_agg(a.attname ORDER BY k.ord)
            FROM unnest(con.conkey) WITH ORDINALITY AS k(attnum, ord)
            JOIN pg_catalog.pg_attribute a ON a.attrelid = con.conrelid AND a.attnum = k.attnum) AS src_cols,
         dn.nspname AS dst_schema, rt.relname AS dst_table,
         (SELECT array_agg(a.attname ORDER BY k.ord)
            FROM unnest(con.confkey) WITH ORDINALITY AS k(attnum, ord)
            JOIN pg_catalog.pg_attribute a ON a.attrelid = rt.oid AND a.attnum = k.attnum) AS dst_cols
  FROM pg_catalog.pg_constraint con
  JOIN rels r ON r.relid = con.conrelid
  JOIN pg_catalog.pg_class rt ON rt.oid = con.confrelid
  JOIN pg_catalog.pg_namespace dn ON dn.oid = rt.relnamespace
  WHERE con.contype = 'f'
)
SELECT 'COL' AS kind, nspname, relname, relkind, attnum, attname, typ, attnotnull, isident, defsql,
       NULL::text, NULL::bool, NULL::bool, NULL::text[], NULL::text[], NULL::text, NULL::text
  FROM cols
UNION ALL
SELECT 'IDX', nspname, relname, NULL, NULL, NULL, NULL, NULL, NULL, NULL,
       idxname, indisunique, indisprimary, cols::text[], NULL, NULL, NULL
  FROM idx
UNION ALL
SELECT 'FK', nspname, relname, NULL, NULL, NULL, NULL, NULL, NULL, NULL,
       conname, NULL, NULL, src_cols::text[], dst_cols::text[], dst_schema, dst_table
  FROM fk
ORDER BY 2, 3, 1, 5 NULLS LAST, 11 NULLS LAST`, filter)

	rows, err := c.db.QueryContext(ctx, q)
	if err != nil {
		return Snapshot{}, err
	}
	defer rows.Close()

	tables := make(map[string]*Table)
	var order []string
	for rows.Next() {
		var kind, nsp, rel string
		var relkind, attname, typ, defsql, name, dstSchema, dstTable sql.NullString
		var attnum sql.NullInt64
		var notnull, ident, uniq, primary sql.NullBool
		var cols, dstCols []sql.NullString

		if err := rows.Scan(&kind, &nsp, &rel, &relkind, &attnum, &attname, &typ, &notnull, &ident, &defsql,
			&name, &uniq, &primary, textArray(&cols), textArray(&dstCols), &dstSchema, &dstTable); err != nil {
			return Snapshot{}, err
		}

		key := nsp + "." + rel
		t, ok := tables[key]
		if !ok {
			t = &Table{Schema: nsp, Name: rel, Kind: "table"}
			tables[key] = t
			order = append(order, key)
		}
		switch kind {
		case "COL":
			if relkind.String == "v" || relkind.String == "m" {
				t.Kind = "view"
			}
			col := Column{
				Name:     attname.String,
				Ordinal:  int(attnum.Int64),
				Type:     typ.String,
				NotNull:  notnull.Bool,
				Identity: ident.Bool,
			}
			if defsql.Valid {
				s := defsql.String
				col.DefaultSQL = &s
			}
			t.Columns = append(t.Columns, col)
		case "IDX":
			ix := Index{Name: name.String, IsUnique: uniq.Bool, IsPrimary: primary.Bool, Columns: compact(cols)}
			if ix.IsPrimary {
				t.PK = append([]string(nil), ix.Columns...)
			}
			t.Indexes = append(t.Indexes, ix)
		case "FK":
			t.FKs = append(t.FKs, FK{
				Name:       name.String,
				Columns:    compact(cols),
				RefSchema:  dstSchema.String,
				RefTable:   dstTable.String,
				RefColumns: compact(dstCols),
			})
		}
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, err
	}
	return buildSnapshot(tables, order), nil
}

// buildSnapshot groups tables by schema in name order and checksums the
// result.
func buildSnapshot(tables map[string]*Table, order []string) Snapshot {
	bySchema := make(map[string]*Schema)
	for _, key := range order {
		t := tables[key]
		sort.Slice(t.Columns, func(i, j int) bool { return t.Columns[i].Ordinal < t.Columns[j].Ordinal })
		sc, ok := bySchema[t.Schema]
		if !ok {
			sc = &Schema{Name: t.Schema}
			bySchema[t.Schema] = sc
		}
		sc.Tables = append(sc.Tables, *t)
	}

	schemas := make([]Schema, 0, len(bySchema))
	for _, sc := range bySchema {
		sort.Slice(sc.Tables, func(i, j int) bool { return sc.Tables[i].Name < sc.Tables[j].Name })
		schemas = append(schemas, *sc)
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })

	byTable := make(map[string]*Table)
	for i := range schemas {
		for j := range schemas[i].Tables {
			t := &schemas[i].Tables[j]
			byTable[t.Schema+"."+t.Name] = t
		}
	}
	b, _ := json.Marshal(schemas)
	hash := sha256.Sum256(b)
	return Snapshot{
		Schemas:     schemas,
		byTable:     byTable,
		Checksum:    hex.EncodeToString(hash[:]),
		GeneratedAt: time.Now(),
	}
}

func compact(ns []sql.NullString) []string {
	out := make([]string, 0, len(ns))
	for _, v := range ns {
		if v.Valid {
			out = append(out, v.String)
		}
	}
	return out
}

// textArray scans a one-dimensional text[] of plain identifiers, which is
// all the catalog query returns, whether the driver hands it over as string
// or []byte.
func textArray(dst *[]sql.NullString) any {
	return &arrayScanner{dst: dst}
}

type arrayScanner struct{ dst *[]sql.NullString }

func (a *arrayScanner) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*a.dst = nil
		return nil
	case string:
		*a.dst = parseTextArray(v)
		return nil
	case []byte:
		*a.dst = parseTextArray(string(v))
		return nil
	default:
		return errors.New("unsupported array src")
	}
}

func parseTextArray(s string) []sql.NullString {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimSuffix(s, "}"), "{")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]sql.NullString, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(strings.TrimSpace(p), `"`)
		if p == "NULL" {
			out = append(out, sql.NullString{})
			continue
		}
		out = append(out, sql.NullString{String: p, Valid: true})
	}
	return out
}
