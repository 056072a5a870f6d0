package statement

import (
	"strings"

	"github.com/zoravur/liveview/pkg/errors"
)

// Positional rewrites every @name in sql into a driver placeholder and returns
// the argument list in placeholder order. placeholder receives the 1-based
// argument number. Text outside parameter tokens, string literals and quoted
// identifiers included, is copied unchanged.
func Positional(sql string, params map[string]any, placeholder func(n int) string) (string, []any, error) {
	var b strings.Builder
	var args []any
	s := NewScanner(sql)
	last := 0
	for {
		pos, tok, lit := s.Scan()
		switch tok {
		case EOF:
			b.WriteString(sql[last:])
			return b.String(), args, nil
		case ILLEGAL:
			return "", nil, errors.Newf(errors.ErrParse, "illegal token %q at offset %d", lit, pos)
		case PARAM:
			v, ok := params[lit]
			if !ok {
				return "", nil, errors.Newf(errors.ErrBind, "missing parameter @%s", lit)
			}
			b.WriteString(sql[last:pos])
			args = append(args, v)
			b.WriteString(placeholder(len(args)))
			last = s.Offset()
		}
	}
}

// QuestionMark is the MySQL placeholder style.
func QuestionMark(int) string { return "?" }
