package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/hashrepo/internal/apperr"
	"github.com/roach88/hashrepo/internal/session"
)

// passwordEnv is read when no password flag is given.
const passwordEnv = "HASHREPO_PASSWORD"

// UserAddOptions holds flags for the user add command.
type UserAddOptions struct {
	*RootOptions
	CanWrite      bool
	Password      string
	PasswordStdin bool
}

// UserInfo is the printable form of an account.
type UserInfo struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	CanWrite bool   `json:"can_write"`
}

func (u UserInfo) String() string {
	access := "read-only"
	if u.CanWrite {
		access = "read-write"
	}
	return fmt.Sprintf("user %s created (id %d, %s)", u.Username, u.ID, access)
}

// NewUserCommand creates the user command group.
func NewUserCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage local accounts",
	}
	cmd.AddCommand(newUserAddCommand(rootOpts))
	return cmd
}

func newUserAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &UserAddOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Create a local account",
		Long: `Create a local account. The password comes from --password,
--password-stdin, or the ` + passwordEnv + ` environment variable.

Example:
  hashrepo user add alice --write --password-stdin < alice.pass`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserAdd(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.CanWrite, "write", false, "allow the account to submit content")
	cmd.Flags().StringVar(&opts.Password, "password", "", "account password")
	cmd.Flags().BoolVar(&opts.PasswordStdin, "password-stdin", false, "read the password from stdin")

	return cmd
}

func runUserAdd(opts *UserAddOptions, username string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	password, err := resolvePassword(opts.Password, opts.PasswordStdin, cmd.InOrStdin())
	if err != nil {
		return formatter.Fail("read password", err)
	}
	hash, err := session.HashPassword(password)
	if err != nil {
		return formatter.Fail("hash password", err)
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return formatter.Fail("load config", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return formatter.Fail("open store", err)
	}
	defer st.Close()

	u, err := st.CreateUser(cmd.Context(), username, hash, opts.CanWrite)
	if err != nil {
		return formatter.Fail("create user", err)
	}
	return formatter.Success(UserInfo{ID: u.ID, Username: u.Username, CanWrite: u.CanWrite})
}

// resolvePassword picks the password from the flag, stdin, or environment.
func resolvePassword(flag string, fromStdin bool, stdin io.Reader) (string, error) {
	switch {
	case flag != "":
		return flag, nil
	case fromStdin:
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && err != io.EOF {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		if p := strings.TrimRight(line, "\r\n"); p != "" {
			return p, nil
		}
	case os.Getenv(passwordEnv) != "":
		return os.Getenv(passwordEnv), nil
	}
	return "", apperr.New(apperr.CodeValidation, "a password is required")
}
