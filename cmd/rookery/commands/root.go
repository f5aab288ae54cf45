package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/dyluth/rookery/pkg/blackboard"
)

var (
	version string
	commit  string
	date    string
)

// Global flags shared by every command that talks to the blackboard.
var (
	rootRedisAddr string
	rootInstance  string
	rootServerURL string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "rookery",
	Short: "Rookery - Multi-agent coordination engine",
	Long: `Rookery coordinates a flock of AI agents around a shared blackboard:
user requests become goals, goals spawn tasks, and agents pick models
through a scoring router to produce outputs.

The blackboard lives in Redis; every mutation is published live and
recorded in a durable audit stream. Use this CLI to inspect items,
jobs, and models, or to send requests to a running rookeryd.`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	defaultRedis := os.Getenv("REDIS_URL")
	if defaultRedis == "" {
		defaultRedis = "localhost:6379"
	}
	defaultServer := os.Getenv("ROOKERY_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8400"
	}

	rootCmd.PersistentFlags().StringVar(&rootRedisAddr, "redis", defaultRedis, "Redis address (host:port or redis:// URL)")
	rootCmd.PersistentFlags().StringVar(&rootInstance, "instance", "default", "Target instance name")
	rootCmd.PersistentFlags().StringVar(&rootServerURL, "server", defaultServer, "rookeryd base URL (for status/respond)")
}

// connectBlackboard opens a blackboard client using the global flags.
func connectBlackboard() (*blackboard.Client, error) {
	opts := &redis.Options{Addr: rootRedisAddr}
	if strings.Contains(rootRedisAddr, "://") {
		parsed, err := redis.ParseURL(rootRedisAddr)
		if err != nil {
			return nil, fmt.Errorf("invalid --redis URL: %w", err)
		}
		opts = parsed
	}
	bb, err := blackboard.NewClient(opts, rootInstance)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to blackboard: %w", err)
	}
	return bb, nil
}
