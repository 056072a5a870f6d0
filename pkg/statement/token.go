package statement

import "strings"

// Token is a lexical token of the SQL subset.
type Token int

const (
	ILLEGAL Token = iota
	EOF

	literal_beg
	IDENT   // name
	QIDENT  // "name" or `name`
	STRING  // 'string'
	INTEGER // 123
	FLOAT   // 123.45
	PARAM   // @name
	literal_end

	operator_beg
	LP    // (
	RP    // )
	COMMA // ,
	DOT   // .
	SEMI  // ;
	STAR  // *
	PLUS  // +
	MINUS // -
	EQ    // =
	NE    // != or <>
	LT    // <
	LE    // <=
	GT    // >
	GE    // >=
	operator_end

	keyword_beg
	AND
	AS
	ASC
	AUTO_INCREMENT
	BY
	CREATE
	DEFAULT
	DELETE
	DESC
	EXISTS
	FALSE
	FROM
	IF
	IN
	INDEX
	INNER
	INSERT
	INTO
	IS
	JOIN
	KEY
	LEFT
	LIKE
	LIMIT
	NOT
	NULL
	ON
	OR
	ORDER
	OUTER
	PRIMARY
	RIGHT
	SELECT
	SET
	TABLE
	TRUE
	UNIQUE
	UNSIGNED
	UPDATE
	VALUES
	WHERE
	keyword_end
)

var tokens = [...]string{
	ILLEGAL: "ILLEGAL",
	EOF:     "EOF",

	IDENT:   "IDENT",
	QIDENT:  "QIDENT",
	STRING:  "STRING",
	INTEGER: "INTEGER",
	FLOAT:   "FLOAT",
	PARAM:   "PARAM",

	LP:    "(",
	RP:    ")",
	COMMA: ",",
	DOT:   ".",
	SEMI:  ";",
	STAR:  "*",
	PLUS:  "+",
	MINUS: "-",
	EQ:    "=",
	NE:    "!=",
	LT:    "<",
	LE:    "<=",
	GT:    ">",
	GE:    ">=",

	AND:            "AND",
	AS:             "AS",
	ASC:            "ASC",
	AUTO_INCREMENT: "AUTO_INCREMENT",
	BY:             "BY",
	CREATE:         "CREATE",
	DEFAULT:        "DEFAULT",
	DELETE:         "DELETE",
	DESC:           "DESC",
	EXISTS:         "EXISTS",
	FALSE:          "FALSE",
	FROM:           "FROM",
	IF:             "IF",
	IN:             "IN",
	INDEX:          "INDEX",
	INNER:          "INNER",
	INSERT:         "INSERT",
	INTO:           "INTO",
	IS:             "IS",
	JOIN:           "JOIN",
	KEY:            "KEY",
	LEFT:           "LEFT",
	LIKE:           "LIKE",
	LIMIT:          "LIMIT",
	NOT:            "NOT",
	NULL:           "NULL",
	ON:             "ON",
	OR:             "OR",
	ORDER:          "ORDER",
	OUTER:          "OUTER",
	PRIMARY:        "PRIMARY",
	RIGHT:          "RIGHT",
	SELECT:         "SELECT",
	SET:            "SET",
	TABLE:          "TABLE",
	TRUE:           "TRUE",
	UNIQUE:         "UNIQUE",
	UNSIGNED:       "UNSIGNED",
	UPDATE:         "UPDATE",
	VALUES:         "VALUES",
	WHERE:          "WHERE",
}

var keywords map[string]Token

func init() {
	keywords = make(map[string]Token)
	for tok := keyword_beg + 1; tok < keyword_end; tok++ {
		keywords[tokens[tok]] = tok
	}
}

func (tok Token) String() string {
	if tok >= 0 && int(tok) < len(tokens) && tokens[tok] != "" {
		return tokens[tok]
	}
	return ""
}

func (tok Token) IsLiteral() bool { return tok > literal_beg && tok < literal_end }

func (tok Token) IsKeyword() bool { return tok > keyword_beg && tok < keyword_end }

// isIdent reports whether tok can name a table, alias or field.
func isIdent(tok Token) bool { return tok == IDENT || tok == QIDENT }

// Lookup returns the keyword token for ident, or IDENT.
func Lookup(ident string) Token {
	if tok, ok := keywords[strings.ToUpper(ident)]; ok {
		return tok
	}
	return IDENT
}
