// Package config loads run settings from flags and AZGRAPH_-prefixed
// environment variables. Flags win over the environment.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string
	Neo4jDatabase string

	Workers      int
	DirectoryRPS int
	RunDBPath    string

	LogLevel  string
	LogFormat string
	LogFile   string
}

// RegisterFlags declares the run flags on the given set. Each flag can also
// be supplied as AZGRAPH_<NAME> with dashes replaced by underscores, e.g.
// AZGRAPH_NEO4J_URI.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("neo4j-uri", "", "URI of the graph database, e.g. neo4j://localhost:7687 ($AZGRAPH_NEO4J_URI)")
	fs.String("neo4j-user", "", "username for the graph database ($AZGRAPH_NEO4J_USER)")
	fs.String("neo4j-password", "", "password for the graph database ($AZGRAPH_NEO4J_PASSWORD)")
	fs.String("neo4j-database", "", "graph database name, empty for the server default ($AZGRAPH_NEO4J_DATABASE)")
	fs.Int("workers", 4, "bounded worker count for listing and enrichment ($AZGRAPH_WORKERS)")
	fs.Int("directory-rps", 10, "request budget per second against the directory service ($AZGRAPH_DIRECTORY_RPS)")
	fs.String("run-db", "", "path to a sqlite file for run history, empty to disable ($AZGRAPH_RUN_DB)")
	fs.String("log-level", "info", "log level ($AZGRAPH_LOG_LEVEL)")
	fs.String("log-format", "json", "log format: json or console ($AZGRAPH_LOG_FORMAT)")
	fs.String("log-file", "", "mirror logs to a rotated file ($AZGRAPH_LOG_FILE)")
}

func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AZGRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("config: bind flags: %w", err)
	}

	c := &Config{
		Neo4jURI:      v.GetString("neo4j-uri"),
		Neo4jUser:     v.GetString("neo4j-user"),
		Neo4jPassword: v.GetString("neo4j-password"),
		Neo4jDatabase: v.GetString("neo4j-database"),
		Workers:       v.GetInt("workers"),
		DirectoryRPS:  v.GetInt("directory-rps"),
		RunDBPath:     v.GetString("run-db"),
		LogLevel:      v.GetString("log-level"),
		LogFormat:     v.GetString("log-format"),
		LogFile:       v.GetString("log-file"),
	}

	if c.Neo4jURI == "" {
		return nil, fmt.Errorf("config: neo4j-uri is required")
	}
	if c.Neo4jUser == "" {
		return nil, fmt.Errorf("config: neo4j-user is required")
	}
	if c.Neo4jPassword == "" {
		return nil, fmt.Errorf("config: neo4j-password is required")
	}
	if c.Workers < 1 {
		c.Workers = 1
	}

	return c, nil
}
