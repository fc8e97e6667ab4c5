package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	redisnode "github.com/raniellyferreira/redis-inmemory-node"
)

var (
	// rootCmd represents the base command when called without any subcommands
	rootCmd = &cobra.Command{
		Use:   "redis-node",
		Short: "in-memory Redis node with replication",
		Long: fmt.Sprintf(`redis-node (v%s)

An in-memory Redis-compatible node holding strings, lists and streams.
It runs as a primary, or as a replica that follows a primary through
PSYNC, and can persist its keyspace to a snapshot file.`, redisnode.Version),
		SilenceUsage: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of redis-node",
		Run: func(cmd *cobra.Command, _ []string) {
			info := redisnode.VersionInfo()
			keys := make([]string, 0, len(info))
			for k := range info {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				cmd.Printf("%s: %s\n", k, info[k])
			}
		},
	}
)

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
