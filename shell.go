package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"
)

func (a *app) shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive lending desk; keeps you logged in and keeps the undo log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runShell(cmd)
		},
	}
}

func (a *app) runShell(cmd *cobra.Command) error {
	ctx := cmd.Context()

	fmt.Fprintln(a.out, "Welcome to the Enchanted Library lending desk!")
	fmt.Fprintln(a.out, "Available commands:")
	fmt.Fprintln(a.out, "  Session: login EMAIL, logout, whoami, help, exit")
	fmt.Fprintln(a.out, "  Books: book add|list|search|quantity, section add|assign|list")
	fmt.Fprintln(a.out, "  Users: user add|list|activate|deactivate|password")
	fmt.Fprintln(a.out, "  Circulation: checkout, return, renew, lost, loans, overdue, recommend")
	fmt.Fprintln(a.out, "  Maintenance: restore, restoration complete, undo, export, import")
	fmt.Fprintln(a.out)
	fmt.Fprintln(a.out, "Tips:")
	fmt.Fprintln(a.out, "  • Append --help to any command to see its flags")

	for {
		fmt.Fprint(a.out, "\n> ")
		line, err := a.in.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		eof := err != nil

		args, splitErr := splitArgs(line)
		switch {
		case splitErr != nil:
			fmt.Fprintf(a.out, "Error: %v\n", splitErr)
		case len(args) == 0:
		case args[0] == "exit" || args[0] == "quit":
			fmt.Fprintln(a.out, "Goodbye!")
			return nil
		case args[0] == "help":
			root := a.rootCmd()
			root.SetArgs(append(args[1:], "--help"))
			_ = root.Execute()
		case args[0] == "login":
			if len(args) != 2 {
				fmt.Fprintln(a.out, "Usage: login EMAIL")
				break
			}
			u, err := a.login(ctx, args[1])
			if err != nil {
				fmt.Fprintf(a.out, "Error: %v\n", err)
				break
			}
			a.session = u
			fmt.Fprintf(a.out, "Logged in as %s, %s\n", u, strings.ToLower(string(u.Role)))
		case args[0] == "logout":
			a.session = nil
			fmt.Fprintln(a.out, "Logged out.")
		case args[0] == "whoami":
			if a.session == nil {
				fmt.Fprintln(a.out, "Not logged in.")
				break
			}
			fmt.Fprintf(a.out, "%s, user %d, %s\n", a.session, a.session.ID, strings.ToLower(string(a.session.Role)))
		case args[0] == "shell":
			fmt.Fprintln(a.out, "Already in the shell.")
		default:
			root := a.rootCmd()
			root.SetArgs(args)
			if err := root.ExecuteContext(ctx); err != nil {
				fmt.Fprintf(a.out, "Error: %v\n", err)
			}
		}

		if eof {
			return nil
		}
	}
}

// splitArgs breaks a shell line into words with POSIX-style quoting. Pipes, redirects
// and command separators are rejected rather than silently dropping the rest of the line.
func splitArgs(line string) ([]string, error) {
	p := shellwords.NewParser()
	args, err := p.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("cannot parse %q: %w", strings.TrimSpace(line), err)
	}
	// Parse stops at the first ; & | < or > and records where.
	if p.Position >= 0 {
		return nil, fmt.Errorf("cannot parse %q: pipes, redirects and command separators are not supported", strings.TrimSpace(line))
	}
	if len(args) == 0 {
		return nil, nil
	}
	return args, nil
}
