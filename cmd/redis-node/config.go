package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/spf13/viper"

	redisnode "github.com/raniellyferreira/redis-inmemory-node"
)

// fileConfig is the layout of the optional YAML config file. Keys match
// the command line flags.
type fileConfig struct {
	Bind               string `yaml:"bind"`
	Port               int    `yaml:"port"`
	RequirePass        string `yaml:"requirepass"`
	ReplicaOf          string `yaml:"replicaof"`
	MasterAuth         string `yaml:"masterauth"`
	Dir                string `yaml:"dir"`
	DBFilename         string `yaml:"dbfilename"`
	SaveOnShutdown     *bool  `yaml:"save-on-shutdown"`
	Timeout            string `yaml:"timeout"`
	AdminAddr          string `yaml:"admin-addr"`
	LogLevel           string `yaml:"log-level"`
	LogFormat          string `yaml:"log-format"`
	BacklogSize        int    `yaml:"backlog-size"`
	ReplicaOutputLimit int64  `yaml:"replica-output-limit"`
	PingReplicaPeriod  string `yaml:"ping-replica-period"`
	AckPeriod          string `yaml:"ack-period"`
	Cleanup            string `yaml:"cleanup"`
}

// loadConfigFile reads the YAML config at path. A missing file yields an
// empty config.
func loadConfigFile(path string) (fileConfig, error) {
	var cfg fileConfig

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.Strict()); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// applyDefaults makes the values of the file the defaults of v, so flags
// and environment variables still override them.
func (c fileConfig) applyDefaults(v *viper.Viper) {
	setString := func(key, value string) {
		if value != "" {
			v.SetDefault(key, value)
		}
	}
	setString("bind", c.Bind)
	setString("requirepass", c.RequirePass)
	setString("replicaof", c.ReplicaOf)
	setString("masterauth", c.MasterAuth)
	setString("dir", c.Dir)
	setString("dbfilename", c.DBFilename)
	setString("timeout", c.Timeout)
	setString("admin-addr", c.AdminAddr)
	setString("log-level", c.LogLevel)
	setString("log-format", c.LogFormat)
	setString("ping-replica-period", c.PingReplicaPeriod)
	setString("ack-period", c.AckPeriod)
	setString("cleanup", c.Cleanup)

	if c.Port != 0 {
		v.SetDefault("port", c.Port)
	}
	if c.BacklogSize != 0 {
		v.SetDefault("backlog-size", c.BacklogSize)
	}
	if c.ReplicaOutputLimit != 0 {
		v.SetDefault("replica-output-limit", c.ReplicaOutputLimit)
	}
	if c.SaveOnShutdown != nil {
		v.SetDefault("save-on-shutdown", *c.SaveOnShutdown)
	}
}

// parseReplicaOf accepts "host port" as Redis writes it, or "host:port"
func parseReplicaOf(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "no one") {
		return "", nil
	}
	if fields := strings.Fields(s); len(fields) == 2 {
		if _, err := strconv.ParseUint(fields[1], 10, 16); err != nil {
			return "", fmt.Errorf("invalid replicaof port %q", fields[1])
		}
		return net.JoinHostPort(fields[0], fields[1]), nil
	}
	if _, _, err := net.SplitHostPort(s); err != nil {
		return "", fmt.Errorf("invalid replicaof %q: expected \"host port\"", s)
	}
	return s, nil
}

// buildOptions turns the resolved settings into node options
func buildOptions(v *viper.Viper) ([]redisnode.Option, error) {
	addr := net.JoinHostPort(v.GetString("bind"), strconv.Itoa(v.GetInt("port")))
	opts := []redisnode.Option{
		redisnode.WithAddr(addr),
		redisnode.WithPassword(v.GetString("requirepass")),
		redisnode.WithSaveOnShutdown(v.GetBool("save-on-shutdown")),
		redisnode.WithIdleTimeout(v.GetDuration("timeout")),
		redisnode.WithBacklogSize(v.GetInt("backlog-size")),
		redisnode.WithReplicaOutputLimit(v.GetInt64("replica-output-limit")),
		redisnode.WithPingPeriod(v.GetDuration("ping-replica-period")),
		redisnode.WithAckPeriod(v.GetDuration("ack-period")),
		redisnode.WithCleanupPreset(v.GetString("cleanup")),
	}

	if file := v.GetString("dbfilename"); file != "" {
		opts = append(opts, redisnode.WithSnapshot(v.GetString("dir"), file))
	}

	primary, err := parseReplicaOf(v.GetString("replicaof"))
	if err != nil {
		return nil, err
	}
	if primary != "" {
		opts = append(opts,
			redisnode.WithReplicaOf(primary),
			redisnode.WithPrimaryAuth(v.GetString("masterauth")),
		)
	}

	if admin := v.GetString("admin-addr"); admin != "" {
		opts = append(opts,
			redisnode.WithAdminAddr(admin),
			redisnode.WithMetrics(redisnode.NewMetrics()),
		)
	}

	var logger redisnode.Logger
	switch format := v.GetString("log-format"); format {
	case "", "console":
		logger, err = redisnode.NewLogger(os.Stderr, v.GetString("log-level"))
	case "json":
		logger, err = redisnode.NewJSONLogger(os.Stderr, v.GetString("log-level"))
	default:
		return nil, fmt.Errorf("invalid log format %q (expected console or json)", format)
	}
	if err != nil {
		return nil, err
	}
	return append(opts, redisnode.WithLogger(logger)), nil
}
