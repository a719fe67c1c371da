package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"ratelimit-service/internal/config"
	"ratelimit-service/internal/util"
)

type ScyllaClient struct {
	Session *gocql.Session
	config  *config.ScyllaConfig
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.UseTLS {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 util.GetEnv("SCYLLA_CA_PATH", "/root/certs/ca.pem"),
			CertPath:               util.GetEnv("SCYLLA_CERT_PATH", "/root/certs/server.pem"),
			KeyPath:                util.GetEnv("SCYLLA_KEY_PATH", "/root/certs/server.key"),
			EnableHostVerification: !cfg.IsDevelopment(),
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}, nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

// Statement is one entry of a batch.
type Statement struct {
	CQL  string
	Args []interface{}
}

// RowIter is the part of *gocql.Iter the stores read through.
type RowIter interface {
	Scan(dest ...interface{}) bool
	Close() error
}

func (s *ScyllaClient) Exec(ctx context.Context, stmt string, values ...interface{}) error {
	return s.Query(ctx, stmt, values...).Exec()
}

func (s *ScyllaClient) ScanOne(ctx context.Context, stmt string, values []interface{}, dest ...interface{}) error {
	return s.Query(ctx, stmt, values...).Scan(dest...)
}

// ExecCAS runs a conditional statement. When it is not applied, existing
// holds the current row.
func (s *ScyllaClient) ExecCAS(ctx context.Context, stmt string, values ...interface{}) (bool, map[string]interface{}, error) {
	existing := map[string]interface{}{}
	applied, err := s.Query(ctx, stmt, values...).MapScanCAS(existing)
	return applied, existing, err
}

func (s *ScyllaClient) Iter(ctx context.Context, stmt string, values ...interface{}) RowIter {
	return s.Query(ctx, stmt, values...).Iter()
}

func (s *ScyllaClient) ExecuteBatch(ctx context.Context, typ gocql.BatchType, stmts []Statement) error {
	if len(stmts) == 0 {
		return nil
	}
	batch := s.Session.NewBatch(typ).WithContext(ctx)
	for _, st := range stmts {
		batch.Query(st.CQL, st.Args...)
	}
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

// ExecuteWithRetry retries idempotent statements only; conditional
// statements must not go through here.
func (s *ScyllaClient) ExecuteWithRetry(ctx context.Context, stmt string, values []interface{}, maxRetries int) error {
	return retryIdempotent(ctx, maxRetries, func() error {
		return s.Exec(ctx, stmt, values...)
	})
}

func retryIdempotent(ctx context.Context, maxRetries int, exec func() error) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if lastErr = exec(); lastErr == nil {
			return nil
		}
		if i == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
		}
	}
	return lastErr
}
