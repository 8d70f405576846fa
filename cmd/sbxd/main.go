package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/calderat/syncbox/internal/config"
	"github.com/calderat/syncbox/internal/logger"
	"github.com/calderat/syncbox/internal/server"
	"github.com/calderat/syncbox/internal/userdb"
)

func main() {
	root := &cobra.Command{
		Use:          "sbxd <storage_dir> <port>",
		Short:        "syncbox storage server",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.LoadServer(cfgPath)
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			storageDir := args[0]
			port, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("port must be an integer number")
			}
			if port < 0 || port > 65535 {
				return fmt.Errorf("port number is out of range")
			}
			if err := os.MkdirAll(storageDir, 0o755); err != nil {
				return fmt.Errorf("create storage dir: %w", err)
			}

			db, err := userdb.Open(cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("open user database: %w", err)
			}
			defer db.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			srv := server.New(storageDir, db, cfg.ConnectionLimit)
			fmt.Printf("sbxd serving %s on port %d\n", storageDir, port)
			return srv.ListenAndServe(ctx, fmt.Sprintf(":%d", port))
		},
	}

	root.Flags().String("config", "sbxd.yaml", "config file path")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
