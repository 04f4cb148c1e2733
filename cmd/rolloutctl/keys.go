package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matt-riley/rolloutz/internal/repository"
)

const keysTimeout = 30 * time.Second

// apiKeyStore is the subset of the repository used to manage API keys.
type apiKeyStore interface {
	CreateAPIKey(ctx context.Context, name string) (string, string, error)
	ListAPIKeys(ctx context.Context) ([]repository.APIKeyMeta, error)
	RevokeAPIKey(ctx context.Context, keyID string) error
}

// openKeyStore connects to Postgres; tests replace it.
var openKeyStore = func(ctx context.Context, databaseURL string) (apiKeyStore, func(), error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	return repository.NewPostgresRepository(pool), pool.Close, nil
}

// runKeys manages the bearer tokens accepted by the server:
//
//	rolloutctl keys create [-name ci]
//	rolloutctl keys list
//	rolloutctl keys revoke <key-id>
func runKeys(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		return errors.New("keys: expected create, list or revoke")
	}
	action := args[0]

	fs := newFlagSet("keys "+action, stderr)
	databaseURL := fs.String("database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
	name := fs.String("name", "", "key name (create only)")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *databaseURL == "" {
		return errors.New("keys: -database-url or DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(ctx, keysTimeout)
	defer cancel()

	store, closeStore, err := openKeyStore(ctx, *databaseURL)
	if err != nil {
		return err
	}
	defer closeStore()

	switch action {
	case "create":
		keyID, secret, err := store.CreateAPIKey(ctx, *name)
		if err != nil {
			return err
		}
		// The secret is not stored and cannot be shown again.
		fmt.Fprintf(stdout, "%s.%s\n", keyID, secret)
		return nil
	case "list":
		keys, err := store.ListAPIKeys(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tCREATED")
		for _, key := range keys {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", key.ID, key.Name, key.CreatedAt.UTC().Format(time.RFC3339))
		}
		return tw.Flush()
	case "revoke":
		if fs.NArg() != 1 {
			return errors.New("keys revoke: expected exactly one key id")
		}
		keyID := fs.Arg(0)
		if err := store.RevokeAPIKey(ctx, keyID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("key %q not found or already revoked", keyID)
			}
			return err
		}
		fmt.Fprintf(stdout, "revoked %s\n", keyID)
		return nil
	default:
		return fmt.Errorf("keys: unknown action %q", action)
	}
}
