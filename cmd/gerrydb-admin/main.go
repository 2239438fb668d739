// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

// gerrydb-admin bootstraps and administers a GerryDB deployment over a
// direct database connection: migrations, users, and API keys.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mggg/gerrydb/gerrydb/auth"
	"github.com/mggg/gerrydb/gerrydb/kernel"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gerrydb-admin",
		Short: "GerryDB administration",
	}
	rootCmd.PersistentFlags().String("database-url", "", "Postgres connection string")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE:  cmdMigrate,
	}

	initCmd := &cobra.Command{
		Use:   "init <email> <name>",
		Short: "Create the first user and mint their API key",
		Args:  cobra.ExactArgs(2),
		RunE:  cmdInit,
	}

	userCreateCmd := &cobra.Command{
		Use:   "user-create <email> <name>",
		Short: "Create a user with the public read bundle",
		Args:  cobra.ExactArgs(2),
		RunE:  cmdUserCreate,
	}
	userCreateCmd.Flags().Bool("contributor", false, "grant the contributor bundle instead")

	keyCreateCmd := &cobra.Command{
		Use:   "key-create <user-id>",
		Short: "Mint a new API key for a user",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdKeyCreate,
	}

	keyDeactivateCmd := &cobra.Command{
		Use:   "key-deactivate <raw-key>",
		Short: "Deactivate an API key",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdKeyDeactivate,
	}

	rootCmd.AddCommand(migrateCmd, initCmd, userCreateCmd, keyCreateCmd, keyDeactivateCmd)

	viper.SetEnvPrefix("GERRYDB")
	viper.AutomaticEnv()
	cobra.CheckErr(viper.BindPFlags(rootCmd.PersistentFlags()))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openDB connects with the admin application name; the caller closes it.
func openDB(ctx context.Context) (*kernel.DB, *zap.Logger, error) {
	log, err := zap.NewProduction()
	if err != nil {
		return nil, nil, err
	}
	connstr := viper.GetString("database-url")
	if connstr == "" {
		return nil, nil, fmt.Errorf("database-url is required")
	}
	db, err := kernel.Open(ctx, log, connstr, kernel.Config{
		ApplicationName: "gerrydb-admin",
	})
	if err != nil {
		return nil, nil, err
	}
	return db, log, nil
}

func cmdMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	db, _, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return db.MigrateToLatest(ctx)
}

func cmdInit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	db, log, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := db.MigrateToLatest(ctx); err != nil {
		return err
	}

	// the first user is promoted to admin inside CreateUser
	service := auth.NewService(log, auth.NewPostgresDB(db.Pool()))
	user, err := service.CreateUser(ctx, args[0], args[1], nil)
	if err != nil {
		return err
	}
	raw, err := service.CreateAPIKey(ctx, user.ID)
	if err != nil {
		return err
	}
	fmt.Printf("user %d created\napi key: %s\n", user.ID, raw)
	return nil
}

func cmdUserCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	db, log, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	grants := auth.PublicBundle()
	if contributor, _ := cmd.Flags().GetBool("contributor"); contributor {
		grants = auth.ContributorBundle()
	}

	service := auth.NewService(log, auth.NewPostgresDB(db.Pool()))
	user, err := service.CreateUser(ctx, args[0], args[1], grants)
	if err != nil {
		return err
	}
	fmt.Printf("user %d created\n", user.ID)
	return nil
}

func cmdKeyCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	db, log, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	var userID int64
	if _, err := fmt.Sscanf(args[0], "%d", &userID); err != nil {
		return fmt.Errorf("malformed user id %q", args[0])
	}

	service := auth.NewService(log, auth.NewPostgresDB(db.Pool()))
	raw, err := service.CreateAPIKey(ctx, userID)
	if err != nil {
		return err
	}
	fmt.Printf("api key: %s\n", raw)
	return nil
}

func cmdKeyDeactivate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	db, _, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if !auth.ValidRawKey(args[0]) {
		return fmt.Errorf("malformed api key")
	}
	authDB := auth.NewPostgresDB(db.Pool())
	if err := authDB.APIKeys().Deactivate(cmd.Context(), auth.DigestKey(args[0])); err != nil {
		return err
	}
	fmt.Println("key deactivated")
	return nil
}
