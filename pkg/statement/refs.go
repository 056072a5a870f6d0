package statement

// EqualsRef is a "[alias.]field = @param" or "[alias.]field != @param" pair
// found in a clause.
type EqualsRef struct {
	TableAlias string
	FieldName  string
	ParamName  string
	Negated    bool
}

func (r *EqualsRef) String() string {
	op := "="
	if r.Negated {
		op = "!="
	}
	col := ColumnRef{Table: r.TableAlias, Name: r.FieldName}
	return col.String() + op + "@" + r.ParamName
}

func equalsRefs(e Expr) []*EqualsRef {
	var out []*EqualsRef
	walkExpr(e, func(e Expr) {
		b, ok := e.(*BinaryExpr)
		if !ok || (b.Op != EQ && b.Op != NE) {
			return
		}
		x, p, ok := paramOperand(b)
		if !ok {
			return
		}
		col, ok := x.(*ColumnRef)
		if !ok {
			return
		}
		out = append(out, &EqualsRef{
			TableAlias: col.Table,
			FieldName:  col.Name,
			ParamName:  p.Name,
			Negated:    b.Op == NE,
		})
	})
	return out
}

// paramNames lists the distinct @params below exprs in order of appearance.
func paramNames(exprs ...Expr) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, e := range exprs {
		walkExpr(e, func(e Expr) {
			p, ok := e.(*Param)
			if !ok {
				return
			}
			if _, ok := seen[p.Name]; ok {
				return
			}
			seen[p.Name] = struct{}{}
			out = append(out, p.Name)
		})
	}
	return out
}
