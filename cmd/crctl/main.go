// Command crctl works on a content repository from the command line. It
// opens the configured backend directly, so it should not run against a
// sqlite or badger store that a server has open.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/systemshift/contentrepo/internal/auth"
	"github.com/systemshift/contentrepo/internal/config"
	"github.com/systemshift/contentrepo/internal/content/repository"
	"github.com/systemshift/contentrepo/internal/content/session"
	"github.com/systemshift/contentrepo/internal/logging"
)

// app is the state shared by the subcommands of one invocation.
type app struct {
	configPath string
	workspace  string
	user       string
	verbose    bool

	cfg  *config.Config
	log  *zap.SugaredLogger
	repo *repository.Repository
	sess *session.Session
}

// newRootCmd builds the command tree. The caller closes the returned app
// after Execute, whether or not the command failed.
func newRootCmd() (*cobra.Command, *app) {
	a := &app{}
	root := &cobra.Command{
		Use:           "crctl",
		Short:         "Inspect and edit a content repository",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations["offline"] == "true" {
				return nil
			}
			return a.open(cmd.Context())
		},
	}
	defaultPath, _ := config.DefaultPath()
	root.PersistentFlags().StringVar(&a.configPath, "config", getEnv("CR_CONFIG", defaultPath), "config file")
	root.PersistentFlags().StringVarP(&a.workspace, "workspace", "w", "", "workspace (default from config)")
	root.PersistentFlags().StringVarP(&a.user, "user", "u", "", "user to log in as")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log repository activity to stderr")

	root.AddCommand(
		a.getCmd(), a.setCmd(), a.addCmd(), a.rmCmd(), a.mvCmd(),
		a.queryCmd(), a.checkinCmd(), a.checkoutCmd(), a.historyCmd(),
		a.typesCmd(), a.importTypesCmd(), a.workspacesCmd(), a.editCmd(),
		hashPasswordCmd(),
	)
	return root, a
}

func (a *app) open(ctx context.Context) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	if a.verbose {
		cfg.Log.Development = true
		logger, _, err := logging.New(cfg.Log)
		if err != nil {
			return err
		}
		a.log = logger.Sugar()
	} else {
		a.log = zap.NewNop().Sugar()
	}

	opts, err := cfg.RepositoryOptions(ctx, a.log)
	if err != nil {
		return err
	}
	// Without configured users the local CLI acts with full access.
	if len(cfg.Auth.Users) == 0 {
		opts.Authenticator = nil
	}
	repo, err := repository.Open(ctx, opts)
	if err != nil {
		opts.Backend.Close()
		return err
	}
	a.repo = repo

	creds, err := a.credentials()
	if err != nil {
		return err
	}
	a.sess, err = repo.Login(ctx, creds, a.workspace)
	return err
}

func (a *app) credentials() (auth.Credentials, error) {
	if len(a.cfg.Auth.Users) == 0 {
		user := a.user
		if user == "" {
			user = getEnv("USER", "admin")
		}
		return auth.SimpleCredentials{UserID: user}, nil
	}
	if a.user == "" {
		return auth.GuestCredentials{}, nil
	}
	password := os.Getenv("CR_PASSWORD")
	if password == "" {
		var err error
		if password, err = promptPassword(fmt.Sprintf("Password for %s: ", a.user)); err != nil {
			return nil, err
		}
	}
	return auth.SimpleCredentials{UserID: a.user, Password: password}, nil
}

func promptPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("stdin is not a terminal; set CR_PASSWORD")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(b), nil
}

func (a *app) close(ctx context.Context) error {
	if a.repo == nil {
		return nil
	}
	err := a.repo.Close(ctx)
	a.repo, a.sess = nil, nil
	return err
}

func main() {
	ctx := context.Background()
	root, a := newRootCmd()
	err := root.ExecuteContext(ctx)
	if cerr := a.close(ctx); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "crctl: %v\n", err)
		os.Exit(1)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
