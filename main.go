package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"enchanted-library/library"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// app is the state shared by every command. The shell reuses one app, and so one open
// database and one undo log, across many command invocations.
type app struct {
	in     *bufio.Reader
	out    io.Writer
	errOut io.Writer

	flags struct {
		db       string
		policy   string
		logLevel string
		envFile  string
		as       string
	}

	mgr     *library.LibraryManager
	session *library.User
	// tty is stdin when the process reads from a terminal; nil in tests.
	tty *os.File
	// readPassword and clock are swapped out in tests.
	readPassword func(prompt string) (string, error)
	clock        func() time.Time
}

func newApp(in io.Reader, out, errOut io.Writer) *app {
	a := &app{in: bufio.NewReader(in), out: out, errOut: errOut}
	a.readPassword = a.promptPassword
	return a
}

func main() {
	a := newApp(os.Stdin, os.Stdout, os.Stderr)
	a.tty = os.Stdin
	defer a.close()

	if err := a.rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		a.close()
		os.Exit(1)
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "library",
		Short:         "Lending desk for the enchanted library",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&a.flags.db, "db", "", "database path or postgres:// URL (default $LIBRARY_DATABASE_URL or library.db)")
	root.PersistentFlags().StringVar(&a.flags.policy, "policy", "", "YAML lending policy (default $LIBRARY_POLICY_FILE)")
	root.PersistentFlags().StringVar(&a.flags.logLevel, "log-level", "", "debug, info, warn or error (default $LIBRARY_LOG_LEVEL or warn)")
	root.PersistentFlags().StringVar(&a.flags.envFile, "env", ".env", "dotenv file loaded before reading LIBRARY_* variables")
	root.PersistentFlags().StringVar(&a.flags.as, "as", "", "email of the acting user; the password is prompted for")
	root.SetIn(a.in)
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	root.AddCommand(
		a.bookCmd(),
		a.sectionCmd(),
		a.userCmd(),
		a.checkoutCmd(),
		a.returnCmd(),
		a.renewCmd(),
		a.restoreCmd(),
		a.restorationCmd(),
		a.lostCmd(),
		a.overdueCmd(),
		a.loansCmd(),
		a.recommendCmd(),
		a.undoCmd(),
		a.exportCmd(),
		a.importCmd(),
		a.shellCmd(),
	)
	return root
}

// open builds the manager on first use. Later calls are no-ops.
func (a *app) open(ctx context.Context) error {
	if a.mgr != nil {
		return nil
	}

	cfg, err := library.LoadConfig(a.flags.envFile)
	if err != nil {
		return err
	}
	if a.flags.db != "" {
		cfg.DatabaseURL = a.flags.db
	}
	if a.flags.policy != "" {
		cfg.PolicyFile = a.flags.policy
	}
	if a.flags.logLevel != "" {
		if cfg.LogLevel, err = library.ParseLogLevel(a.flags.logLevel); err != nil {
			return err
		}
	}

	policy, err := library.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(a.errOut, &slog.HandlerOptions{Level: cfg.LogLevel}))

	opts := []library.Option{library.WithLogger(logger), library.WithPolicy(policy)}
	if a.clock != nil {
		opts = append(opts, library.WithClock(a.clock))
	}
	mgr, err := library.NewLibraryManager(cfg.DatabaseURL, opts...)
	if err != nil {
		return fmt.Errorf("open library: %w", err)
	}
	mgr.Subscribe(a.printEvent)
	a.mgr = mgr
	return nil
}

func (a *app) close() {
	if a.mgr != nil {
		a.mgr.Close()
		a.mgr = nil
	}
}

// actor returns the logged-in shell user, or authenticates the --as user. The session
// user is reloaded so that changes made from elsewhere apply right away.
func (a *app) actor(ctx context.Context) (*library.User, error) {
	if a.session != nil {
		u, err := a.mgr.GetUser(ctx, a.session.ID)
		if err != nil {
			return nil, err
		}
		if !u.Active {
			a.session = nil
			return nil, fmt.Errorf("%w: account %s is deactivated, logged out", library.ErrPermissionDenied, u.Email)
		}
		a.session = u
		return u, nil
	}
	if a.flags.as == "" {
		return nil, errors.New("this command needs a user: pass --as EMAIL or log in from the shell")
	}
	return a.login(ctx, a.flags.as)
}

func (a *app) login(ctx context.Context, email string) (*library.User, error) {
	password, err := a.readPassword(fmt.Sprintf("Password for %s: ", email))
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	u, err := a.mgr.Authenticate(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return u, nil
}

// promptPassword masks input on a terminal and reads a plain line otherwise, so
// passwords can be piped in scripts.
func (a *app) promptPassword(prompt string) (string, error) {
	fmt.Fprint(a.errOut, prompt)
	if a.tty != nil && term.IsTerminal(int(a.tty.Fd())) {
		b, err := term.ReadPassword(int(a.tty.Fd()))
		fmt.Fprintln(a.errOut) // Add newline after password input
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := a.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (a *app) printEvent(ev library.Event) {
	var b strings.Builder
	fmt.Fprintf(&b, "event: %s book=%d", ev.Type, ev.BookID)
	if ev.UserID != 0 {
		fmt.Fprintf(&b, " user=%d", ev.UserID)
	}
	if ev.RecordID != 0 {
		fmt.Fprintf(&b, " record=%d", ev.RecordID)
	}
	keys := make([]string, 0, len(ev.Detail))
	for k := range ev.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, ev.Detail[k])
	}
	fmt.Fprintln(a.out, b.String())
}
