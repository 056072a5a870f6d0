package richcatalog

import (
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/zoravur/liveview/internal/logutil"
	"github.com/zoravur/liveview/pkg/errors"
	"github.com/zoravur/liveview/pkg/schema"
)

// Tables converts the base tables of one schema ("public" when empty) into
// schema.Table values. Views and tables without a primary key cannot back a
// live view and are skipped.
func (c *DBCatalog) Tables(schemaName string) ([]*schema.Table, error) {
	if schemaName == "" {
		schemaName = "public"
	}
	snap := c.Snapshot()
	var out []*schema.Table
	for _, sc := range snap.Schemas {
		if sc.Name != schemaName {
			continue
		}
		for _, t := range sc.Tables {
			st, err := ToSchema(t)
			if err != nil {
				c.log.Debug("skipping table",
					logutil.Values(
						zap.String("table", t.Schema+"."+t.Name),
						zap.Error(err),
					))
				continue
			}
			out = append(out, st)
		}
	}
	return out, nil
}

// ToSchema converts one introspected table.
func ToSchema(t Table) (*schema.Table, error) {
	if t.Kind == "view" {
		return nil, errors.Newf(errors.ErrSchemaViolation, "%s is a view", t.Name)
	}
	if len(t.PK) == 0 {
		return nil, errors.Newf(errors.ErrSchemaViolation, "%s has no primary key", t.Name)
	}

	fields := make([]*schema.FieldDef, 0, len(t.Columns))
	for _, col := range t.Columns {
		typ, maxLen := FieldType(col.Type)
		fields = append(fields, &schema.FieldDef{
			Name:            col.Name,
			Type:            typ,
			MaxLength:       maxLen,
			AllowNull:       !col.NotNull,
			IsAutoIncrement: col.Identity || (col.DefaultSQL != nil && strings.HasPrefix(*col.DefaultSQL, "nextval(")),
		})
	}

	var indexes []*schema.Index
	for _, ix := range t.Indexes {
		typ := schema.IndexTypeOther
		switch {
		case ix.IsPrimary:
			typ = schema.IndexTypePrimary
		case ix.IsUnique:
			typ = schema.IndexTypeUnique
		}
		if len(ix.Columns) == 0 {
			// expression index
			continue
		}
		indexes = append(indexes, &schema.Index{Type: typ, FieldNames: ix.Columns})
	}
	return schema.NewTable(t.Name, fields, indexes)
}

// FieldType maps a format_type() name to a field type and maximum length.
// Types without a closer match are treated as strings.
func FieldType(pgType string) (schema.FieldType, int) {
	base, arg := pgType, ""
	if i := strings.IndexByte(pgType, '('); i >= 0 {
		base = pgType[:i]
		arg = strings.TrimSuffix(pgType[i+1:], ")")
	}
	switch base {
	case "character varying", "character", "varchar", "char":
		n, _ := strconv.Atoi(arg)
		return schema.FieldTypeString, n
	case "smallint", "integer":
		return schema.FieldTypeInt, 0
	case "bigint":
		return schema.FieldTypeLong, 0
	case "real":
		return schema.FieldTypeFloat, 0
	case "double precision", "numeric":
		return schema.FieldTypeDouble, 0
	case "date":
		return schema.FieldTypeDateTime, 0
	}
	if strings.HasPrefix(base, "timestamp") {
		return schema.FieldTypeDateTime, 0
	}
	return schema.FieldTypeString, 0
}
