package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/hashrepo/internal/apperr"
	"github.com/roach88/hashrepo/internal/ident"
	"github.com/roach88/hashrepo/internal/pull"
	"github.com/roach88/hashrepo/internal/querylang"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Remote   string
	Username string
	Password string
	Language string
	Offset   int
	Limit    int
	Live     bool
}

// queryLine is one identifier in JSON output.
type queryLine struct {
	URI string `json:"uri"`
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <query>",
		Short: "Run a query against a repository and print identifiers",
		Long: `Run a query against a (possibly remote) repository and print each
matching identifier on its own line. With --live the command keeps
printing new matches until interrupted.

Example:
  hashrepo query --remote http://127.0.0.1:8080 --username alice 'cats'
  hashrepo query --remote http://127.0.0.1:8080 --offset -5 --live ''`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Remote, "remote", "http://127.0.0.1:8080", "repository base URL")
	cmd.Flags().StringVar(&opts.Username, "username", "", "account (empty queries anonymously)")
	cmd.Flags().StringVar(&opts.Password, "password", "", "password (default $"+passwordEnv+")")
	cmd.Flags().StringVarP(&opts.Language, "lang", "l", querylang.DefaultLanguage, "query language (simple|json)")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "page offset; negative selects the last matches")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "page size (0 = unbounded)")
	cmd.Flags().BoolVar(&opts.Live, "live", false, "keep streaming new matches")

	return cmd
}

func runQuery(opts *QueryOptions, text string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	// Reject a malformed query before touching the network.
	if _, err := querylang.Parse(text, opts.Language); err != nil {
		return formatter.Fail("parse query", err)
	}

	password := opts.Password
	if password == "" {
		password = os.Getenv(passwordEnv)
	}
	client, err := pull.NewClient(opts.Remote, opts.Username, password, nil)
	if err != nil {
		return formatter.Fail("remote", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	body, err := client.Query(ctx, text, pull.QueryOptions{
		Language: opts.Language,
		Offset:   opts.Offset,
		Limit:    opts.Limit,
		Live:     opts.Live,
	})
	if err != nil {
		return formatter.Fail("query "+opts.Remote, err)
	}
	defer body.Close()

	out := cmd.OutOrStdout()
	count := 0
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue // heartbeat
		}
		uri, err := ident.Parse(line)
		if err != nil {
			formatter.VerboseLog("skipping malformed line %q", line)
			continue
		}
		count++
		if opts.Format == "json" {
			_ = formatter.Success(queryLine{URI: uri.String()})
			continue
		}
		fmt.Fprintln(out, uri.String())
	}
	if err := scanner.Err(); err != nil && !errors.Is(ctx.Err(), context.Canceled) {
		return formatter.Fail("read stream", apperr.Wrap(apperr.CodeTransient, "read stream", err))
	}
	formatter.VerboseLog("%d identifier(s)", count)
	return nil
}
