package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Session executes a single parameterized statement in its own short write
// transaction. The writer is the only caller; tests substitute a fake.
type Session interface {
	Run(ctx context.Context, query string, params map[string]any) error
	Close(ctx context.Context) error
}

type Config struct {
	URI      string
	Username string
	Password string
	Database string
}

// Client wraps the graph database driver. Connect verifies connectivity up
// front: if the store is unreachable nothing downstream can succeed, so the
// caller aborts the run.
type Client struct {
	driver   neo4j.DriverWithContext
	database string
}

func Connect(ctx context.Context, cfg Config) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("graph: create driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("graph: verify connectivity: %w", err)
	}
	return &Client{
		driver:   driver,
		database: cfg.Database,
	}, nil
}

func (c *Client) NewSession(ctx context.Context) Session {
	return &neoSession{
		session: c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database}),
	}
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

type neoSession struct {
	session neo4j.SessionWithContext
}

func (s *neoSession) Run(ctx context.Context, query string, params map[string]any) error {
	_, err := s.session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return nil, result.Err()
	})
	return err
}

func (s *neoSession) Close(ctx context.Context) error {
	return s.session.Close(ctx)
}
