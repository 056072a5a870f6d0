package common

import (
	"encoding/base64"
	"net/url"
	"strings"

	"github.com/zoravur/liveview/pkg/errors"
	"github.com/zoravur/liveview/pkg/schema"
)

// EncodeHandle returns a canonical base64 string of the form:
//
//	"employee_contact|employee_id=5,kind=Phone"
//
// Values are query-escaped so they may contain the separators.
func EncodeHandle(table string, pkCols []string, pkVals []any) string {
	kvPairs := make([]string, 0, len(pkCols))
	for i := range pkCols {
		kvPairs = append(kvPairs, pkCols[i]+"="+url.QueryEscape(schema.FormatKeyPart(pkVals[i])))
	}
	raw := table + "|" + strings.Join(kvPairs, ",")
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeHandle parses a handle made by EncodeHandle. Key values come back as
// strings; callers coerce them with the table definition.
func DecodeHandle(h string) (table string, pk map[string]any, err error) {
	b, err := base64.RawURLEncoding.DecodeString(h)
	if err != nil {
		return "", nil, errors.Wrap(errors.WrapCode(err, errors.ErrBind), "invalid base64")
	}

	table, keyPart, ok := strings.Cut(string(b), "|")
	if !ok || table == "" {
		return "", nil, errors.New(errors.ErrBind, "malformed handle")
	}

	pk = make(map[string]any)
	for _, kv := range strings.Split(keyPart, ",") {
		if kv == "" {
			continue
		}
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return "", nil, errors.Newf(errors.ErrBind, "malformed key pair %q", kv)
		}
		if pk[strings.TrimSpace(k)], err = url.QueryUnescape(v); err != nil {
			return "", nil, errors.Wrap(errors.WrapCode(err, errors.ErrBind), "malformed key value")
		}
	}
	if len(pk) == 0 {
		return "", nil, errors.New(errors.ErrBind, "handle has no key")
	}
	return table, pk, nil
}

// RowHandle builds the handle of row in t from its primary key fields. It
// reports false when row lacks one of them.
func RowHandle(t *schema.Table, row map[string]any) (string, bool) {
	pk := t.PrimaryIndex()
	if pk == nil {
		return "", false
	}
	vals := make([]any, len(pk.FieldNames))
	for i, f := range pk.FieldNames {
		v := schema.Lookup(row, f)
		if v == nil {
			return "", false
		}
		vals[i] = v
	}
	return EncodeHandle(t.Name, pk.FieldNames, vals), true
}
