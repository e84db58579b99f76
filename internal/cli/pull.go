package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/hashrepo/internal/pull"
	"github.com/roach88/hashrepo/internal/querylang"
	"github.com/roach88/hashrepo/internal/store"
)

// PullAddOptions holds flags for the pull add command.
type PullAddOptions struct {
	*RootOptions
	Owner    string
	Targets  []string
	Remote   string
	Language string
	Username string
	Password string
}

// PullInfo is the printable form of a pull. The remote password is never
// printed.
type PullInfo struct {
	ID       string  `json:"id"`
	Owner    int64   `json:"user_id"`
	Targets  []int64 `json:"targets"`
	Remote   string  `json:"remote"`
	Query    string  `json:"query"`
	Language string  `json:"language"`
	Username string  `json:"username"`
}

func pullInfo(c pull.Config) PullInfo {
	return PullInfo{
		ID:       c.ID,
		Owner:    c.UserID,
		Targets:  c.Targets,
		Remote:   c.Remote,
		Query:    c.Query,
		Language: c.Language,
		Username: c.Username,
	}
}

func (p PullInfo) String() string {
	return fmt.Sprintf("pull %s: %s %q (%s) as %s, owner %d, targets %v",
		p.ID, p.Remote, p.Query, p.Language, p.Username, p.Owner, p.Targets)
}

// PullList is the output of pull list.
type PullList []PullInfo

func (l PullList) String() string {
	if len(l) == 0 {
		return "no pulls"
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tREMOTE\tQUERY\tLANG\tOWNER\tTARGETS")
	for _, p := range l {
		fmt.Fprintf(w, "%s\t%s\t%q\t%s\t%d\t%v\n", p.ID, p.Remote, p.Query, p.Language, p.Owner, p.Targets)
	}
	_ = w.Flush()
	return strings.TrimSuffix(b.String(), "\n")
}

// NewPullCommand creates the pull command group.
func NewPullCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Manage replication from remote repositories",
		Long: `Manage pulls. A pull keeps a live query open against a remote
repository and ingests every announced identifier locally as its owner,
readable by its targets. Pulls run inside "hashrepo serve".`,
	}
	cmd.AddCommand(newPullAddCommand(rootOpts))
	cmd.AddCommand(newPullListCommand(rootOpts))
	cmd.AddCommand(newPullRemoveCommand(rootOpts))
	return cmd
}

func newPullAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PullAddOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "add <query>",
		Short: "Persist a new pull",
		Long: `Persist a pull. The owner must be a local account with write access
for tasks to succeed; targets name local accounts or "public".

Example:
  hashrepo pull add --owner mirror --remote https://repo.example.org \
    --username reader --target public 'cats -dogs'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPullAdd(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Owner, "owner", "", "local account the pull ingests as (required)")
	cmd.Flags().StringSliceVar(&opts.Targets, "target", nil, "local account or \"public\" that may read replicated content")
	cmd.Flags().StringVar(&opts.Remote, "remote", "", "remote repository base URL (required)")
	cmd.Flags().StringVarP(&opts.Language, "lang", "l", querylang.DefaultLanguage, "query language (simple|json)")
	cmd.Flags().StringVar(&opts.Username, "username", "", "remote account")
	cmd.Flags().StringVar(&opts.Password, "password", "", "remote password (default $"+passwordEnv+")")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("remote")

	return cmd
}

func runPullAdd(opts *PullAddOptions, query string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	ctx := cmd.Context()

	cfg, err := opts.loadConfig()
	if err != nil {
		return formatter.Fail("load config", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return formatter.Fail("open store", err)
	}
	defer st.Close()

	owner, err := st.UserByName(ctx, opts.Owner)
	if err != nil {
		return formatter.Fail("find owner "+opts.Owner, err)
	}
	targets := []int64{}
	if len(opts.Targets) > 0 {
		if targets, err = st.UserIDs(ctx, opts.Targets); err != nil {
			return formatter.Fail("resolve targets", err)
		}
	}

	password := opts.Password
	if password == "" {
		password = os.Getenv(passwordEnv)
	}

	saved, err := pull.Save(ctx, st, pull.Config{
		UserID:   owner.ID,
		Targets:  targets,
		Remote:   opts.Remote,
		Query:    query,
		Language: opts.Language,
		Username: opts.Username,
		Password: password,
	})
	if err != nil {
		return formatter.Fail("save pull", err)
	}
	formatter.VerboseLog("pull %s saved; it starts with the next serve", saved.ID)
	return formatter.Success(pullInfo(saved))
}

func newPullListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List persisted pulls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPullList(rootOpts, cmd)
		},
	}
}

func runPullList(opts *RootOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return formatter.Fail("load config", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return formatter.Fail("open store", err)
	}
	defer st.Close()

	records, err := st.ListPulls(cmd.Context())
	if err != nil {
		return formatter.Fail("list pulls", err)
	}
	return formatter.Success(pullList(records))
}

func pullList(records []store.PullRecord) PullList {
	out := make(PullList, 0, len(records))
	for _, r := range records {
		out = append(out, pullInfo(pull.FromRecord(r)))
	}
	return out
}

func newPullRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete a persisted pull",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := rootOpts.formatter(cmd)

			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return formatter.Fail("load config", err)
			}
			st, err := openStore(cfg)
			if err != nil {
				return formatter.Fail("open store", err)
			}
			defer st.Close()

			if err := st.DeletePull(cmd.Context(), args[0]); err != nil {
				return formatter.Fail("delete pull", err)
			}
			return formatter.Success("pull " + args[0] + " removed")
		},
	}
}
