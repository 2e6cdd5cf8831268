package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/revshare/internal/clearance"
	"github.com/smallbiznis/revshare/internal/clock"
	"github.com/smallbiznis/revshare/internal/commission"
	"github.com/smallbiznis/revshare/internal/config"
	"github.com/smallbiznis/revshare/internal/lock"
	"github.com/smallbiznis/revshare/internal/migration"
	"github.com/smallbiznis/revshare/internal/observability"
	"github.com/smallbiznis/revshare/internal/order"
	"github.com/smallbiznis/revshare/internal/scheduler"
	"github.com/smallbiznis/revshare/internal/vendortier"
	"github.com/smallbiznis/revshare/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine and its background jobs until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		app := newApp()
		if err := app.Err(); err != nil {
			return err
		}
		app.Run()
		return nil
	},
}

func newApp() *fx.App {
	return fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		lock.Module,

		// Functional Domains
		vendortier.Module,
		commission.Module,
		clearance.Module,
		order.Module,
		scheduler.Module,
	)
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
