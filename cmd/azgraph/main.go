package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/azgraph/azgraph/pkg/azure"
	"github.com/azgraph/azgraph/pkg/config"
	"github.com/azgraph/azgraph/pkg/graph"
	"github.com/azgraph/azgraph/pkg/logging"
	"github.com/azgraph/azgraph/pkg/runs"
	azsync "github.com/azgraph/azgraph/pkg/sync"
)

var version = "dev"

func main() {
	cmd := &cobra.Command{
		Use:     "azgraph",
		Short:   "azgraph syncs Azure role assignments and group memberships into a graph database",
		Version: version,
		RunE:    run,
	}
	config.RegisterFlags(cmd.Flags())

	err := cmd.ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}

	ctx, err := logging.Init(cmd.Context(),
		logging.WithLogLevel(cfg.LogLevel),
		logging.WithLogFormat(cfg.LogFormat),
		logging.WithLogFile(cfg.LogFile),
	)
	if err != nil {
		return err
	}
	l := ctxzap.Extract(ctx)

	// Connectivity is the one fatal precondition: nothing downstream can
	// succeed without the graph store.
	client, err := graph.Connect(ctx, graph.Config{
		URI:      cfg.Neo4jURI,
		Username: cfg.Neo4jUser,
		Password: cfg.Neo4jPassword,
		Database: cfg.Neo4jDatabase,
	})
	if err != nil {
		return err
	}
	defer func() { _ = client.Close(ctx) }()
	l.Info("Database connection established")

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return fmt.Errorf("acquire azure credential: %w", err)
	}
	subscriptions, err := azure.NewSubscriptionSource(cred)
	if err != nil {
		return err
	}
	assignments, err := azure.NewAssignmentSource(cred)
	if err != nil {
		return err
	}
	directory, err := azure.NewDirectory(cred, cfg.DirectoryRPS)
	if err != nil {
		return err
	}

	session := client.NewSession(ctx)
	defer func() { _ = session.Close(ctx) }()
	writer := graph.NewWriter(session)

	opts := []azsync.Option{azsync.WithWorkerCount(cfg.Workers)}
	if cfg.RunDBPath != "" {
		store, err := runs.Open(ctx, cfg.RunDBPath)
		if err != nil {
			l.Warn("failed to open run history, continuing without it", zap.Error(err))
		} else {
			defer func() { _ = store.Close() }()
			opts = append(opts, azsync.WithRunRecorder(store))
		}
	}

	return azsync.New(subscriptions, assignments, directory, writer, opts...).Sync(ctx)
}
