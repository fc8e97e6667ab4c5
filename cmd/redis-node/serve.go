package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	redisnode "github.com/raniellyferreira/redis-inmemory-node"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a redis-node",
	Long: `Start a redis-node with the specified configuration. Settings come from,
in increasing priority: the YAML file given by --config, environment
variables named REDISNODE_<flag> (e.g. REDISNODE_ACK_PERIOD=500ms), and
command line flags. .env and .env.local are loaded when present.`,
	PreRunE: processConfig,
	RunE:    run,
}

func init() {
	cobra.OnInitialize(initEnv)

	flags := serveCmd.Flags()
	flags.String("config", "", "YAML config file")
	flags.String("bind", "", "Address to listen on for clients")
	flags.Int("port", 6379, "Port to listen on for clients")
	flags.String("requirepass", "", "Password clients must AUTH with")
	flags.String("replicaof", "", `Primary to replicate, as "host port"`)
	flags.String("masterauth", "", "Password sent to the primary")
	flags.String("dir", ".", "Directory of the snapshot file")
	flags.String("dbfilename", "dump.rdb", "Snapshot file name, empty to disable persistence")
	flags.Bool("save-on-shutdown", true, "Write a snapshot when shutting down")
	flags.Duration("timeout", 0, "Close client connections idle for this long, 0 to never")
	flags.String("admin-addr", "", "Address of the admin HTTP server (health, metrics, info, save)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "console", "Log format (console, json)")
	flags.Int("backlog-size", 1<<20, "Replication backlog size in bytes")
	flags.Int64("replica-output-limit", 64<<20, "Pending bytes after which a slow replica is dropped")
	flags.Duration("ping-replica-period", 10*time.Second, "How often the primary pings its replicas")
	flags.Duration("ack-period", time.Second, "How often a replica acknowledges its offset")
	flags.String("cleanup", "default", "Expiry sweep preset (default, small, large, low-latency)")
}

// initEnv loads env files and enables REDISNODE_ environment variables
func initEnv() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("redisnode")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// processConfig binds the flags and layers the config file beneath them
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	if path := viper.GetString("config"); path != "" {
		fc, err := loadConfigFile(path)
		if err != nil {
			return err
		}
		fc.applyDefaults(viper.GetViper())
	}
	return nil
}

func run(cmd *cobra.Command, _ []string) error {
	opts, err := buildOptions(viper.GetViper())
	if err != nil {
		return err
	}
	node, err := redisnode.New(opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		return err
	}
	if node.IsReplica() {
		go func() {
			if err := node.WaitForSync(ctx); err == nil {
				status := node.SyncStatus()
				cmd.Printf("replica in sync with %s at offset %d\n", status.PrimaryAddr, status.Offset)
			}
		}()
	}

	<-ctx.Done()
	shutdown, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- node.Close() }()
	select {
	case err := <-done:
		return err
	case <-shutdown.Done():
		return shutdown.Err()
	}
}
