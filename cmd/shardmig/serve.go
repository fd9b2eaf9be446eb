package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shardmig/shardmig/pkg/api"
	"github.com/shardmig/shardmig/pkg/backup"
	"github.com/shardmig/shardmig/pkg/config"
	"github.com/shardmig/shardmig/pkg/driver"
	"github.com/shardmig/shardmig/pkg/events"
	"github.com/shardmig/shardmig/pkg/executor"
	"github.com/shardmig/shardmig/pkg/lock"
	"github.com/shardmig/shardmig/pkg/log"
	"github.com/shardmig/shardmig/pkg/metrics"
	"github.com/shardmig/shardmig/pkg/orchestrator"
	"github.com/shardmig/shardmig/pkg/statestore"
	"github.com/shardmig/shardmig/pkg/topology"
	"github.com/shardmig/shardmig/pkg/transform"
	"github.com/shardmig/shardmig/pkg/types"
	"github.com/shardmig/shardmig/pkg/validator"
)

const discoveryRefreshInterval = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the migration coordinator",
	Long: `Run the coordinator: control API, orchestrator, lock reaper and
event outbox drainer. Interrupted migrations resume from their
checkpoints on startup.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML configuration file")
	serveCmd.Flags().String("schemas", "", "Path to YAML schema change definitions")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	schemasPath, _ := cmd.Flags().GetString("schemas")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.JSONLogs,
	})
	metrics.SetVersion(Version)

	// Status store
	store, err := statestore.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open status store: %v", err)
	}
	defer store.Close()
	metrics.RegisterComponent("statestore", true, "")
	fmt.Println("✓ Status store opened")

	// Snapshot store
	backups, err := backup.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open snapshot store: %v", err)
	}
	defer backups.Close()

	// Topology
	var source topology.Source
	if cfg.TopologySource == config.TopologyDiscovery {
		source = &topology.FileSource{Path: cfg.DiscoveryFile}
	} else {
		source = topology.FromDSNs(cfg.Document.Shards, cfg.Relational.Shards)
	}
	topo, err := topology.New(source)
	if err != nil {
		return fmt.Errorf("failed to load topology: %v", err)
	}

	stopRefresh := make(chan struct{})
	if cfg.TopologySource == config.TopologyDiscovery {
		go func() {
			ticker := time.NewTicker(discoveryRefreshInterval)
			defer ticker.Stop()
			for {
				select {
				case <-stopRefresh:
					return
				case <-ticker.C:
					if err := topo.Refresh(); err != nil {
						log.Logger.Warn().Err(err).Msg("topology refresh failed")
					}
				}
			}
		}()
	}
	defer close(stopRefresh)

	// Store drivers
	drivers := map[types.StoreClass]driver.Driver{}
	if len(cfg.Document.Shards) > 0 {
		drivers[types.StoreClassDocument] = driver.NewDocumentDriver(cfg.Document.Shards)
	}
	if len(cfg.Relational.Shards) > 0 {
		drivers[types.StoreClassRelational] = driver.NewRelationalDriver(cfg.Relational.Shards)
	}

	// Registries
	schemas := driver.NewSchemaRegistry()
	if schemasPath != "" {
		n, err := loadSchemas(schemas, schemasPath)
		if err != nil {
			return fmt.Errorf("failed to load schema definitions: %v", err)
		}
		fmt.Printf("✓ %d schema changes registered\n", n)
	}
	transformers := transform.NewRegistry()
	registerBuiltinTransformers(transformers)

	// Engine
	locks := lock.NewManager(store, cfg.LockTTL, cfg.LockGrace)
	exec := executor.New(store, schemas, transformers, backups, executor.Options{
		MaxRetries:    cfg.MaxRetries,
		BackoffFactor: cfg.BackoffFactor,
		InitialBatch:  cfg.DefaultBatch,
		MinBatch:      cfg.MinBatch,
		MaxBatch:      cfg.MaxBatch,
		HighWatermark: config.DefaultHighWatermark,
		LowWatermark:  config.DefaultLowWatermark,
		AdjustEvery:   config.DefaultAdjustEvery,
		ThrottleRate:  cfg.ThrottleRate,
	})
	validate := validator.New(schemas, transformers, backups, store)

	// Event bus
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	var drainer *events.Drainer
	if cfg.EventBusKind == config.BusOutboxed {
		drainer = events.NewDrainer(store, broker)
		drainer.Start()
		defer drainer.Stop()
	}
	metrics.RegisterComponent("eventbus", true, "")

	orch := orchestrator.New(cfg, orchestrator.Deps{
		Store:        store,
		Topology:     topo,
		Drivers:      drivers,
		Executor:     exec,
		Validator:    validate,
		Locks:        locks,
		Bus:          broker,
		Backups:      backups,
		Transformers: transformers,
	})
	if err := orch.Start(); err != nil {
		return fmt.Errorf("failed to start orchestrator: %v", err)
	}
	fmt.Println("✓ Orchestrator started")

	// Inbound bus commands (migration.request, migration.cancel) flow
	// into the same admission path the control API uses.
	consumer := events.NewConsumer(broker, orch)
	consumer.Start()
	defer consumer.Stop()

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	apiServer := api.NewServer(orch, store)
	errCh := make(chan error, 1)
	go func() {
		metrics.RegisterComponent("api", true, "")
		if err := apiServer.Start(cfg.APIAddr); err != nil {
			errCh <- fmt.Errorf("API server error: %v", err)
		}
	}()

	fmt.Printf("✓ Coordinator running on %s. Press Ctrl+C to stop.\n", cfg.APIAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}

	apiServer.Stop()
	orch.Stop()

	fmt.Println("✓ Shutdown complete")
	return nil
}

// schemaFile is the YAML layout of --schemas definitions.
type schemaFile struct {
	Changes []struct {
		Ref        string   `yaml:"ref"`
		Collection string   `yaml:"collection"`
		Up         []string `yaml:"up,omitempty"`
		Down       []string `yaml:"down,omitempty"`
	} `yaml:"changes"`
}

func loadSchemas(registry *driver.SchemaRegistry, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var file schemaFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, err
	}
	for _, c := range file.Changes {
		registry.Register(driver.SchemaChange{
			Ref:        c.Ref,
			Collection: c.Collection,
			UpSQL:      c.Up,
			DownSQL:    c.Down,
		})
	}
	return len(file.Changes), nil
}

// registerBuiltinTransformers installs the transformers shipped with
// the binary. Deployment-specific transformers are compiled in by
// registering them here.
func registerBuiltinTransformers(registry *transform.Registry) {
	identity := func(rec *types.Record) (*types.Record, error) { return rec, nil }
	registry.Register(&transform.Transformer{
		Name:    "identity",
		Apply:   identity,
		Inverse: identity,
	})
}
