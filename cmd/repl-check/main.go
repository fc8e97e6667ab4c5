// Command repl-check compares a replica with its primary: replication ids
// and offsets, keyspace counts and optionally the values of matching keys.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "repl-check --primary host:port --replica host:port",
	Short: "Compare a replica with its primary",
	Example: `  repl-check --primary localhost:6379 --replica localhost:6380
  repl-check --primary localhost:6379 --replica localhost:6380 --keys 'user:*' --wait`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("primary", "", "Primary endpoint (host:port)")
	flags.String("replica", "", "Replica endpoint (host:port)")
	flags.String("password", "", "Password for both endpoints")
	flags.String("keys", "", "Compare the values of keys matching this pattern")
	flags.Bool("wait", false, "Wait for the replica to acknowledge the primary offset first")
	flags.Duration("timeout", 10*time.Second, "Overall timeout")
	_ = rootCmd.MarkFlagRequired("primary")
	_ = rootCmd.MarkFlagRequired("replica")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	primaryAddr, _ := flags.GetString("primary")
	replicaAddr, _ := flags.GetString("replica")
	password, _ := flags.GetString("password")
	pattern, _ := flags.GetString("keys")
	wait, _ := flags.GetBool("wait")
	timeout, _ := flags.GetDuration("timeout")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	primary := redis.NewClient(&redis.Options{Addr: primaryAddr, Password: password})
	defer primary.Close()
	replica := redis.NewClient(&redis.Options{Addr: replicaAddr, Password: password})
	defer replica.Close()

	if wait {
		acked, err := primary.Wait(ctx, 1, timeout/2).Result()
		if err != nil {
			return fmt.Errorf("WAIT on primary: %w", err)
		}
		cmd.Printf("%d replica(s) acknowledged the primary offset\n", acked)
	}

	checker := &Checker{Primary: primary, Replica: replica, Pattern: pattern}
	report, err := checker.Run(ctx)
	if err != nil {
		return err
	}
	report.Print(cmd.OutOrStdout())
	if !report.OK() {
		return fmt.Errorf("replica differs from primary")
	}
	return nil
}
