package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/auth"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/config"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/identity"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/store"
)

func runUserCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: helm-dispatch user <add|disable|role> [flags]")
		return 2
	}

	cmd := flag.NewFlagSet("user "+args[0], flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var username, password, role string
	cmd.StringVar(&username, "username", "", "Account username (REQUIRED)")
	switch args[0] {
	case "add":
		cmd.StringVar(&password, "password", "", "Account password (REQUIRED)")
		cmd.StringVar(&role, "role", string(identity.RoleUser), "Role: service_account, user, analyst or admin")
	case "role":
		cmd.StringVar(&role, "role", "", "New role (REQUIRED)")
	case "disable":
	default:
		fmt.Fprintf(stderr, "Unknown user subcommand: %s\n", args[0])
		return 2
	}
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}
	if username == "" || (args[0] == "add" && password == "") || (args[0] == "role" && role == "") {
		fmt.Fprintln(stderr, "Error: missing required flag")
		cmd.Usage()
		return 2
	}

	ctx := context.Background()
	cfg := config.Load()
	setupLogging(cfg, stderr)
	if cfg.DatabaseURL == config.DatabaseMemory {
		fmt.Fprintln(stderr, "Error: user commands need a persistent DATABASE_URL")
		return 1
	}
	db, dialect, err := openDatabase(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()
	ids := store.NewSQLIdentityStore(db, dialect)

	switch args[0] {
	case "add":
		r, err := identity.ParseRole(role)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		ident, err := auth.Provision(ctx, ids, username, password, r)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "%s✓%s created %s (%s) id=%s\n", ColorGreen, ColorReset, ident.Username, ident.Role, ident.ID)
	case "disable":
		ident, err := lookup(ctx, ids, username)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if err := ids.SetActive(ctx, ident.ID, false); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "%s✓%s disabled %s\n", ColorGreen, ColorReset, ident.Username)
	case "role":
		r, err := identity.ParseRole(role)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		ident, err := lookup(ctx, ids, username)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if err := ids.SetRole(ctx, ident.ID, r); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "%s✓%s %s is now %s\n", ColorGreen, ColorReset, ident.Username, r)
	}
	return 0
}

func lookup(ctx context.Context, ids identity.Store, username string) (*identity.Identity, error) {
	ident, err := ids.GetByUsername(ctx, username)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, fmt.Errorf("no account named %q", username)
	}
	return ident, err
}
