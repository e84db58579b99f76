package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/hashrepo/internal/apperr"
	"github.com/roach88/hashrepo/internal/ast"
	"github.com/roach88/hashrepo/internal/querylang"
	"github.com/roach88/hashrepo/internal/querysql"
)

// Compile modes select which statement is printed.
const (
	ModeMatches  = "matches"
	ModeCount    = "count"
	ModeContains = "contains"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	UserID   int64
	Language string
	Mode     string
	Offset   int
	Limit    int
	Ceiling  int64
}

// CompiledQuery is the SQL text and positional parameters of a query.
type CompiledQuery struct {
	Mode   string `json:"mode"`
	UserID int64  `json:"user_id"`
	SQL    string `json:"sql"`
	Params []any  `json:"params"`
}

func (c CompiledQuery) String() string {
	var b strings.Builder
	b.WriteString(c.SQL)
	b.WriteString("\n")
	for i, p := range c.Params {
		fmt.Fprintf(&b, "-- ?%d = %#v\n", i+1, p)
	}
	if c.Mode == ModeContains {
		fmt.Fprintf(&b, "-- ?%d = <submission id>\n", len(c.Params)+1)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <query>",
		Short: "Print the SQL a query compiles to",
		Long: `Compile a query to the SQL statement the repository runs for it,
scoped to a user id (0 is the anonymous reader).

Example:
  hashrepo compile --user 3 'cats -dogs'
  hashrepo compile --lang json --mode count '{"op":"term","text":"cats"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().Int64VarP(&opts.UserID, "user", "u", ast.PublicUserID, "user id the query is scoped to")
	cmd.Flags().StringVarP(&opts.Language, "lang", "l", querylang.DefaultLanguage, "query language (simple|json)")
	cmd.Flags().StringVar(&opts.Mode, "mode", ModeMatches, "statement to print (matches|count|contains)")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "page offset; negative selects the last matches")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "page size (0 = unbounded)")
	cmd.Flags().Int64Var(&opts.Ceiling, "ceiling", 0, "highest submission id to include (0 = none)")

	return cmd
}

func runCompile(opts *CompileOptions, text string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	out, err := compileQuery(opts, text)
	if err != nil {
		return formatter.Fail("compile", err)
	}
	formatter.VerboseLog("compiled %s query for user %d with %d parameter(s)", out.Mode, out.UserID, len(out.Params))
	return formatter.Success(out)
}

func compileQuery(opts *CompileOptions, text string) (CompiledQuery, error) {
	if opts.UserID < ast.PublicUserID {
		return CompiledQuery{}, apperr.Newf(apperr.CodeValidation, "invalid user id %d", opts.UserID)
	}
	node, err := querylang.Parse(text, opts.Language)
	if err != nil {
		return CompiledQuery{}, err
	}
	q, err := ast.Scope(opts.UserID, node)
	if err != nil {
		return CompiledQuery{}, err
	}

	out := CompiledQuery{Mode: opts.Mode, UserID: opts.UserID}
	switch opts.Mode {
	case ModeMatches:
		out.SQL, out.Params, err = querysql.SelectMatches(q, querysql.Page{Offset: opts.Offset, Limit: opts.Limit}, opts.Ceiling)
	case ModeCount:
		out.SQL, out.Params, err = querysql.Count(q)
	case ModeContains:
		var m querysql.Membership
		m, err = querysql.Contains(q)
		out.SQL, out.Params = m.SQL, m.Params
	default:
		return CompiledQuery{}, apperr.Newf(apperr.CodeValidation,
			"invalid mode %q: must be one of %s, %s, %s", opts.Mode, ModeMatches, ModeCount, ModeContains)
	}
	if err != nil {
		return CompiledQuery{}, apperr.Wrap(apperr.CodeParse, "compile query", err)
	}
	if out.Params == nil {
		out.Params = []any{}
	}
	return out, nil
}
