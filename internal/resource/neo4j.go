package resource

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"go.uber.org/zap"

	"github.com/roach88/localrunner/internal/job"
)

const (
	// DefaultNeo4jImage is the container image for ephemeral instances.
	DefaultNeo4jImage = "neo4j:5-community"

	// DefaultNeo4jPassword is the admin password of ephemeral instances.
	DefaultNeo4jPassword = "letmein!"

	// Neo4jUsername is the admin user of ephemeral instances.
	Neo4jUsername = "neo4j"

	// Neo4jDatabase is the database name used inside the instance.
	Neo4jDatabase = "neo4j"

	boltPort = "7687/tcp"
)

// Neo4jConfig configures Neo4jProvisioner.
type Neo4jConfig struct {
	// Image defaults to DefaultNeo4jImage.
	Image string

	// Password defaults to DefaultNeo4jPassword.
	Password string

	// AdvertisedHost replaces the published host in the URI handed to jobs,
	// for jobs that do not share the harness network namespace.
	AdvertisedHost string

	// StartupTimeout bounds the wait for the instance to accept
	// connections. Defaults to two minutes.
	StartupTimeout time.Duration
}

// Neo4jProvisioner runs one Neo4j container per run.
type Neo4jProvisioner struct {
	pool   *dockertest.Pool
	cfg    Neo4jConfig
	logger *zap.Logger

	mu        sync.Mutex
	instances map[string]*neo4jInstance
}

type neo4jInstance struct {
	resource *dockertest.Resource
	driver   neo4j.DriverWithContext
}

// NewNeo4jProvisioner creates a provisioner backed by pool.
func NewNeo4jProvisioner(pool *dockertest.Pool, cfg Neo4jConfig, logger *zap.Logger) *Neo4jProvisioner {
	if cfg.Image == "" {
		cfg.Image = DefaultNeo4jImage
	}
	if cfg.Password == "" {
		cfg.Password = DefaultNeo4jPassword
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Neo4jProvisioner{
		pool:      pool,
		cfg:       cfg,
		logger:    logger,
		instances: make(map[string]*neo4jInstance),
	}
}

// Create starts a container named after the run and waits until it accepts
// Bolt connections. A container that never becomes ready is purged.
func (p *Neo4jProvisioner) Create(ctx context.Context, runID string) (*Database, error) {
	repo, tag := job.SplitImage(p.cfg.Image)
	resource, err := p.pool.RunWithOptions(&dockertest.RunOptions{
		Name:         runID,
		Repository:   repo,
		Tag:          tag,
		Env:          []string{"NEO4J_AUTH=" + Neo4jUsername + "/" + p.cfg.Password},
		ExposedPorts: []string{boltPort},
		Labels:       map[string]string{"localrunner.run": runID},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		return nil, fmt.Errorf("start neo4j container: %w", err)
	}

	localURI := "neo4j://" + localHostPort(resource.GetHostPort(boltPort))
	driver, err := neo4j.NewDriverWithContext(localURI, neo4j.BasicAuth(Neo4jUsername, p.cfg.Password, ""))
	if err != nil {
		p.purge(resource)
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}

	p.pool.MaxWait = p.cfg.StartupTimeout
	if err := p.pool.Retry(readiness(ctx, driver.VerifyConnectivity)); err != nil {
		_ = driver.Close(context.WithoutCancel(ctx))
		p.purge(resource)
		return nil, fmt.Errorf("neo4j instance %s never became ready: %w", runID, err)
	}

	p.mu.Lock()
	p.instances[runID] = &neo4jInstance{resource: resource, driver: driver}
	p.mu.Unlock()

	uri := localURI
	if p.cfg.AdvertisedHost != "" {
		uri = "neo4j://" + net.JoinHostPort(p.cfg.AdvertisedHost, resource.GetPort(boltPort))
	}
	return &Database{
		InstanceID: runID,
		URI:        uri,
		Name:       Neo4jDatabase,
		Username:   Neo4jUsername,
		Password:   p.cfg.Password,
		Querier:    &neo4jQuerier{driver: driver, database: Neo4jDatabase},
	}, nil
}

// Destroy closes the driver and removes the container.
func (p *Neo4jProvisioner) Destroy(ctx context.Context, db *Database) error {
	p.mu.Lock()
	inst, ok := p.instances[db.InstanceID]
	delete(p.instances, db.InstanceID)
	p.mu.Unlock()
	if !ok {
		return nil
	}

	var errs []error
	if err := inst.driver.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close driver: %w", err))
	}
	if err := p.pool.Purge(inst.resource); err != nil {
		errs = append(errs, fmt.Errorf("purge container: %w", err))
	}
	return errors.Join(errs...)
}

func (p *Neo4jProvisioner) purge(resource *dockertest.Resource) {
	if err := p.pool.Purge(resource); err != nil {
		p.logger.Warn("failed to purge neo4j container", zap.String("container", resource.Container.Name), zap.Error(err))
	}
}

// readiness wraps a connectivity check for pool.Retry. Once ctx is done the
// retry loop stops instead of waiting out the startup timeout.
func readiness(ctx context.Context, verify func(context.Context) error) func() error {
	return func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := verify(ctx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
}

// localHostPort rewrites wildcard bind addresses to localhost.
func localHostPort(hostPort string) string {
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return hostPort
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}

// neo4jQuerier runs read queries through the driver.
type neo4jQuerier struct {
	driver   neo4j.DriverWithContext
	database string
}

func (q *neo4jQuerier) Query(ctx context.Context, query string) ([]map[string]any, error) {
	result, err := neo4j.ExecuteQuery(ctx, q.driver, query, nil,
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(q.database),
		neo4j.ExecuteQueryWithReadersRouting(),
	)
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]any, 0, len(result.Records))
	for _, record := range result.Records {
		rows = append(rows, record.AsMap())
	}
	return rows, nil
}
