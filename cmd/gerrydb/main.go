// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

// gerrydb runs the HTTP API server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mggg/gerrydb/gerrydb/api"
	"github.com/mggg/gerrydb/gerrydb/auth"
	"github.com/mggg/gerrydb/gerrydb/kernel"
	"github.com/mggg/gerrydb/gerrydb/render"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gerrydb",
		Short: "GerryDB metadata and geodata server",
	}
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the API server",
		RunE:  cmdRun,
	}
	rootCmd.AddCommand(runCmd)

	flags := runCmd.Flags()
	flags.String("database-url", "", "Postgres connection string")
	flags.String("address", ":8000", "address to listen on")
	flags.String("extractor-path", "ogr2ogr", "path to the ogr2ogr binary")
	flags.String("extractor-dsn", "", "GDAL connection string for renders (defaults to database-url as PG:)")
	flags.String("render-dir", "/var/lib/gerrydb/renders", "directory for rendered GeoPackage files")
	flags.Int32("max-conns", 16, "maximum pool connections")
	flags.Bool("dev", false, "use the development logger")

	viper.SetEnvPrefix("GERRYDB")
	viper.AutomaticEnv()
	cobra.CheckErr(viper.BindPFlags(flags))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log, err := openLogger(viper.GetBool("dev"))
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	connstr := viper.GetString("database-url")
	if connstr == "" {
		return fmt.Errorf("database-url is required")
	}

	db, err := kernel.Open(ctx, log.Named("kernel"), connstr, kernel.Config{
		MaxConns: viper.GetInt32("max-conns"),
	})
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := db.MigrateToLatest(ctx); err != nil {
		return err
	}

	extractorDSN := viper.GetString("extractor-dsn")
	if extractorDSN == "" {
		extractorDSN = "PG:" + connstr
	}

	authService := auth.NewService(log.Named("auth"), auth.NewPostgresDB(db.Pool()))
	renderer := render.NewCoordinator(log.Named("render"), db, render.Config{
		ExtractorPath: viper.GetString("extractor-path"),
		ExtractorDSN:  extractorDSN,
		OutputDir:     viper.GetString("render-dir"),
	})
	server := api.NewServer(log.Named("api"), db, authService, renderer, api.Config{
		Address:         viper.GetString("address"),
		ShutdownTimeout: 10 * time.Second,
	})

	return server.Run(ctx)
}

func openLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
