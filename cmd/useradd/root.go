package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/yourusername/authgate/internal/users"
)

type options struct {
	redisURL string
	email    string
	name     string
	password string
	force    bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "useradd",
		Short:         "Create or replace a user that can sign in with email and password",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.password == "" {
				opts.password = os.Getenv("USERADD_PASSWORD")
			}
			opt, err := redis.ParseURL(opts.redisURL)
			if err != nil {
				return fmt.Errorf("invalid redis url: %w", err)
			}
			rdb := redis.NewClient(opt)
			defer rdb.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			return run(ctx, users.NewStore(rdb), opts, cmd.OutOrStdout())
		},
	}

	defaultURL := os.Getenv("REDIS_URL")
	if defaultURL == "" {
		defaultURL = "redis://127.0.0.1:6379/0"
	}
	cmd.Flags().StringVar(&opts.redisURL, "redis-url", defaultURL, "Redis URL of the user store")
	cmd.Flags().StringVar(&opts.email, "email", "", "email address (required)")
	cmd.Flags().StringVar(&opts.name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.password, "password", "", "password (or USERADD_PASSWORD)")
	cmd.Flags().BoolVar(&opts.force, "force", false, "replace an existing user")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

type userStore interface {
	FindByEmail(ctx context.Context, email string) (*users.User, error)
	Put(ctx context.Context, user *users.User) error
}

func run(ctx context.Context, store userStore, opts *options, out io.Writer) error {
	if strings.TrimSpace(opts.password) == "" {
		return errors.New("password is required")
	}

	existing, err := store.FindByEmail(ctx, opts.email)
	if err != nil {
		return fmt.Errorf("failed to look up user: %w", err)
	}
	if existing != nil && !opts.force {
		return fmt.Errorf("user %s already exists (use --force to replace)", existing.Email)
	}

	user, err := users.NewUser(opts.email, opts.name, opts.password)
	if err != nil {
		return err
	}
	if existing != nil {
		user.ID = existing.ID
		user.CreatedAt = existing.CreatedAt
	}
	if err := store.Put(ctx, user); err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}

	fmt.Fprintf(out, "saved user %s (id=%s)\n", user.Email, user.ID)
	return nil
}
