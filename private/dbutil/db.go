// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

// Package dbutil provides helpers for opening and using the Postgres pool.
package dbutil

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zeebo/errs"
)

// Error is the default error class for dbutil.
var Error = errs.Class("dbutil")

// Config adjusts how the pool is opened.
type Config struct {
	ApplicationName string
	MaxConns        int32
	ConnectTimeout  time.Duration
}

// OpenPool opens a pgx connection pool for the given connection string.
func OpenPool(ctx context.Context, connstr string, config Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(connstr)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	if config.ApplicationName != "" {
		poolConfig.ConnConfig.RuntimeParams["application_name"] = config.ApplicationName
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.ConnectTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = config.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, Error.Wrap(err)
	}

	return pool, nil
}
