package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zoravur/liveview/internal/common"
	"github.com/zoravur/liveview/internal/logutil"
	"github.com/zoravur/liveview/pkg/errors"
	"github.com/zoravur/liveview/pkg/schema"
)

type handlers struct {
	Deps
}

// EditableRow is a result row whose cells carry the handle of their source
// row.
type EditableRow map[string]EditableCell

type EditableCell struct {
	EditHandle string `json:"editHandle,omitempty"`
	Value      any    `json:"value"`
}

type QueryRequest struct {
	SQL    string         `json:"sql"`
	Params map[string]any `json:"params,omitempty"`
}

// EditRequest sets one column of the row addressed by a handle.
type EditRequest struct {
	Column string `json:"column"`
	Value  any    `json:"value"`
}

type writeResponse struct {
	ID       any   `json:"id,omitempty"`
	Affected int64 `json:"affected"`
}

func (h *handlers) table(name string) (*schema.Table, error) {
	t, ok := h.DB.Catalog().Table(name)
	if !ok {
		return nil, errors.Newf(errors.ErrParse, "invalid table name %s", name)
	}
	return t, nil
}

// rowValues decodes the JSON object body of a table write.
func (h *handlers) rowValues(r *http.Request) (*schema.Table, map[string]any, error) {
	t, err := h.table(chi.URLParam(r, "table"))
	if err != nil {
		return nil, nil, err
	}
	var body map[string]any
	if err := decodeJSON(r, &body); err != nil {
		return nil, nil, err
	}
	values, err := coerceRow(t, body)
	if err != nil {
		return nil, nil, err
	}
	return t, values, nil
}

func (h *handlers) handleInsert(w http.ResponseWriter, r *http.Request) {
	t, values, err := h.rowValues(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id, err := h.DB.InsertAndCommit(r.Context(), t.Name, values)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, writeResponse{ID: id, Affected: 1})
}

func (h *handlers) handleUpdate(w http.ResponseWriter, r *http.Request) {
	t, values, err := h.rowValues(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	n, err := h.DB.UpdateAndCommit(r.Context(), t.Name, values)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, writeResponse{Affected: n})
}

func (h *handlers) handleDelete(w http.ResponseWriter, r *http.Request) {
	t, values, err := h.rowValues(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	n, err := h.DB.DeleteAndCommit(r.Context(), t.Name, values)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, writeResponse{Affected: n})
}

// handleEdit updates one column of the row addressed by the handle in the
// path.
func (h *handlers) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req EditRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Column == "" {
		writeError(w, r, errors.New(errors.ErrBind, "column is required"))
		return
	}

	tableName, pk, err := common.DecodeHandle(chi.URLParam(r, "handle"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	t, err := h.table(tableName)
	if err != nil {
		writeError(w, r, err)
		return
	}
	for _, f := range t.PrimaryIndex().FieldNames {
		if _, ok := pk[f]; !ok {
			writeError(w, r, errors.Newf(errors.ErrBind, "handle lacks key field %s", f))
			return
		}
	}
	if _, ok := pk[req.Column]; ok {
		writeError(w, r, errors.Newf(errors.ErrSchemaViolation, "cannot edit key field %s", req.Column))
		return
	}

	pk[req.Column] = req.Value
	values, err := coerceRow(t, pk)
	if err != nil {
		writeError(w, r, err)
		return
	}
	n, err := h.DB.UpdateAndCommit(r.Context(), t.Name, values)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logutil.L(r.Context()).Debug("row edited",
		logutil.Values(
			zap.String("table", t.Name),
			zap.String("column", req.Column),
			zap.Int64("affected", n),
		))
	writeJSON(w, http.StatusOK, writeResponse{Affected: n})
}

// handleEditableQuery runs a select once and returns rows whose cells carry
// edit handles when the query reads a single table.
func (h *handlers) handleEditableQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	st, err := h.DB.ParseSelect(req.SQL)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rows, err := h.DB.SelectRows(r.Context(), req.SQL, common.JSONValues(req.Params))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var source *schema.Table
	if len(st.TableRefs) == 1 {
		source = st.TableRefs[0].Table
	}
	results := make([]EditableRow, 0, len(rows))
	for _, row := range rows {
		var handle string
		if source != nil {
			handle, _ = common.RowHandle(source, row)
		}
		out := make(EditableRow, len(row))
		for col, v := range row {
			out[col] = EditableCell{EditHandle: handle, Value: v}
		}
		results = append(results, out)
	}
	writeJSON(w, http.StatusOK, results)
}
