// Command redis-node runs an in-memory Redis node, either as a primary or
// as a replica of another node.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
