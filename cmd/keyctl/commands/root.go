package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"secure-comm/go-backend/internal/account"
	"secure-comm/go-backend/internal/adapters/rpc"
	"secure-comm/go-backend/internal/config"
	"secure-comm/go-backend/internal/localstore"
	"secure-comm/go-backend/internal/platform/privacylog"
)

var (
	configPath string
	username   string
	serverURL  string
	verbose    bool

	cfg    config.Config
	acct   *account.Account
	closer io.Closer
)

func Execute() error {
	root := &cobra.Command{
		Use:          "keyctl",
		Short:        "Manage end-to-end encryption keys, devices and backups",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if closer != nil {
				return closer.Close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to securecomm.yaml")
	root.PersistentFlags().StringVarP(&username, "user", "u", "", "account username (overrides config)")
	root.PersistentFlags().StringVar(&serverURL, "server", "", "key server base URL (overrides config)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(
		initCmd(),
		fingerprintCmd(),
		keysCmd(),
		registerCmd(),
		loginCmd(),
		devicesCmd(),
		revokeCmd(),
		rotateCmd(),
		pairCmd(),
		backupCmd(),
		migrateCmd(),
		profileCmd(),
	)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return root.ExecuteContext(ctx)
}

func setup() error {
	loaded, err := config.LoadFromPath(configPath)
	if err != nil {
		return err
	}
	if username != "" {
		loaded.Username = username
	}
	if serverURL != "" {
		loaded.RPC.URL = serverURL
	}
	if strings.TrimSpace(loaded.Username) == "" {
		return fmt.Errorf("username required (--user or SECURECOMM_USERNAME)")
	}
	if err := loaded.Validate(); err != nil {
		return err
	}
	cfg = loaded

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := privacylog.NewLogger(os.Stderr, level, cfg.Log.Format)

	store, c, err := localstore.Open(cfg.Storage.Backend, cfg.Storage.Path, cfg.Storage.Secret)
	if err != nil {
		return err
	}
	closer = c

	client, err := rpc.NewClient(cfg.RPC.URL, cfg.Username, rpc.WithToken(cfg.RPC.Token))
	if err != nil {
		return err
	}
	acct, err = account.Open(account.Config{
		Username:         cfg.Username,
		DeviceName:       cfg.DeviceName,
		DeviceType:       cfg.DeviceType,
		Store:            store,
		Remote:           client,
		Logger:           logger,
		BackupIterations: cfg.Backup.Iterations,
	})
	return err
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
