package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zoravur/liveview/internal/config"
	"github.com/zoravur/liveview/pkg/driver/sqldb"
	"github.com/zoravur/liveview/pkg/errors"
	"github.com/zoravur/liveview/pkg/schema"
	"github.com/zoravur/liveview/pkg/statement"
)

func newExplainCommand(stdout, stderr io.Writer) *cobra.Command {
	cfg := config.New()
	var params []string
	var validate bool
	cmd := &cobra.Command{
		Use:   "explain SQL",
		Short: "Compile a SELECT against a schema file and show how it would run.",
		Long: `Compile a SELECT against the tables of --schema-file and print the tables
it reads, its output columns and parameters, and the SQL each driver would run
for the values given with --param name=value (comma separated for lists).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.SchemaFile == "" {
				return errors.New(errors.ErrBind, "explain needs --schema-file")
			}
			return explain(stdout, cfg.SchemaFile, args[0], params, validate)
		},
	}
	cfg.Flags(cmd.Flags())
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Parameter as name=value; repeatable.")
	cmd.Flags().BoolVar(&validate, "validate", false, "Check the Postgres rendering with the Postgres parser.")
	return cmd
}

func explain(w io.Writer, schemaFile, sql string, rawParams []string, validate bool) error {
	script, err := os.ReadFile(schemaFile)
	if err != nil {
		return errors.Wrap(err, "reading schema file")
	}
	creates, err := statement.ParseCreates(string(script))
	if err != nil {
		return err
	}
	tables := make([]*schema.Table, len(creates))
	for i, c := range creates {
		tables[i] = c.Table
	}

	st, err := statement.ParseSelect(sql, schema.NewCatalog(tables...))
	if err != nil {
		return err
	}
	values, err := parseParams(rawParams)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	names := make([]string, 0, len(st.TableRefs))
	for _, t := range st.Tables() {
		names = append(names, t.Name)
	}
	fmt.Fprintf(tw, "tables:\t%s\n", strings.Join(names, ", "))
	out, star := st.OutputNames()
	if star {
		out = append(out, "*")
	}
	fmt.Fprintf(tw, "columns:\t%s\n", strings.Join(out, ", "))
	fmt.Fprintf(tw, "params:\t%s\n", strings.Join(st.ParamNames(), ", "))
	refs := make([]string, len(st.WhereRefs))
	for i, r := range st.WhereRefs {
		refs[i] = r.String()
	}
	fmt.Fprintf(tw, "where refs:\t%s\n", strings.Join(refs, ", "))

	bound, err := statement.NewParams(values)
	if err != nil {
		return err
	}
	q, err := st.Bind(bound)
	if err != nil {
		tw.Flush()
		return err
	}
	fmt.Fprintf(tw, "bound:\t%s\n", q.SQL)

	pg := sqldb.NewPostgres("pgx")
	pgSQL, pgArgs, err := statement.Positional(q.SQL, q.Params, pg.Placeholder)
	if err != nil {
		tw.Flush()
		return err
	}
	fmt.Fprintf(tw, "postgres:\t%s\t%v\n", pgSQL, pgArgs)
	mySQL, myArgs, err := statement.Positional(q.SQL, q.Params, statement.QuestionMark)
	if err != nil {
		tw.Flush()
		return err
	}
	fmt.Fprintf(tw, "mysql:\t%s\t%v\n", mySQL, myArgs)
	if validate {
		if err := pg.Validate(pgSQL); err != nil {
			tw.Flush()
			return err
		}
		fmt.Fprintf(tw, "postgres parse:\tok\n")
	}
	return tw.Flush()
}

// parseParams turns name=value pairs into parameter values. Values holding
// commas become lists; whole numbers become int64 and "null" becomes nil.
func parseParams(raw []string) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for _, p := range raw {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, errors.Newf(errors.ErrBind, "param %q is not name=value", p)
		}
		if strings.Contains(value, ",") {
			var list []any
			for _, part := range strings.Split(value, ",") {
				if part = strings.TrimSpace(part); part != "" {
					list = append(list, scalar(part))
				}
			}
			out[name] = list
			continue
		}
		out[name] = scalar(value)
	}
	return out, nil
}

func scalar(s string) any {
	if s == "null" {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}
