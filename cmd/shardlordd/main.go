package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/shardlord/pkg/catalog"
	"github.com/cuemby/shardlord/pkg/cluster"
	"github.com/cuemby/shardlord/pkg/config"
	"github.com/cuemby/shardlord/pkg/dispatcher"
	"github.com/cuemby/shardlord/pkg/log"
	"github.com/cuemby/shardlord/pkg/metrics"
	"github.com/cuemby/shardlord/pkg/nodes"
	"github.com/cuemby/shardlord/pkg/queue"
	"github.com/cuemby/shardlord/pkg/rebalance"
	"github.com/cuemby/shardlord/pkg/scheduler"
	"github.com/cuemby/shardlord/pkg/task"
	"github.com/cuemby/shardlord/pkg/topology"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "shardlordd",
	Short: "shardlordd - control plane for a sharded Postgres cluster",
	Long: `shardlordd is the control plane (the "shardlord") of a sharded
relational database cluster. It accepts high-level administrative
commands - add a node, remove a node, hash-partition a table, move a
partition, create a replica, rebalance, set replication level - and
drives worker database nodes through the low-level logical-replication
operations required to carry them out.`,
	Version: Version,
}

var configPath string

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"shardlordd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(movePartitionCmd)
	rootCmd.AddCommand(createReplicaCmd)
	rootCmd.AddCommand(addNodeCmd)
	rootCmd.AddCommand(removeNodeCmd)
	rootCmd.AddCommand(hashPartitionCmd)
	rootCmd.AddCommand(rebalanceCmd)
	rootCmd.AddCommand(setReplicationLevelCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}

// openQueue opens the durable command queue under cfg.DataDir, the same
// bbolt file serve() drains commands from.
func openQueue(cfg config.Config) (*queue.Queue, error) {
	return queue.Open(cfg.DataDir)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the shardlord daemon: leader election, the copy-task scheduler and the command dispatcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runServe(cfg)
	},
}

func runServe(cfg config.Config) error {
	logger := log.WithComponent("main")

	cat, err := catalog.Open(cfg.CatalogDSN)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer cat.Close()
	metrics.RegisterComponent("catalog", true, "")

	clus, err := cluster.New(cluster.Config{
		NodeID:   cfg.NodeID,
		BindAddr: cfg.BindAddr,
		DataDir:  cfg.DataDir,
	})
	if err != nil {
		return fmt.Errorf("construct cluster: %w", err)
	}
	if err := clus.Bootstrap(); err != nil {
		return fmt.Errorf("bootstrap cluster: %w", err)
	}
	defer clus.Shutdown()
	metrics.RegisterComponent("raft", true, "")

	retryCfg := task.RetryConfig{
		CmdRetryNaptimeMS: int64(cfg.Retry.CmdRetryNaptimeMS),
		PollIntervalMS:    int64(cfg.Retry.PollIntervalMS),
		SyncReplicas:      cfg.Retry.SyncReplicas,
	}

	topo := topology.New()
	sched, err := scheduler.New(cat, topo, retryCfg)
	if err != nil {
		return fmt.Errorf("construct scheduler: %w", err)
	}
	defer sched.Close()
	metrics.RegisterComponent("scheduler", true, "")

	q, err := openQueue(cfg)
	if err != nil {
		return fmt.Errorf("open command queue: %w", err)
	}
	defer q.Close()

	nodeReg := nodes.NewRegistry()
	disp := dispatcher.New(q, cat, nodeReg, sched, time.Second)
	disp.Start()
	defer disp.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/readyz", metrics.ReadyHandler())
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server exited")
		}
	}()
	defer metricsSrv.Close()

	rebalanceStop := make(chan struct{})
	go runRebalanceLoop(cat, q, time.Duration(cfg.Rebalance.IntervalSeconds)*time.Second, rebalanceStop)
	defer close(rebalanceStop)

	logger.Info().Str("node_id", cfg.NodeID).Msg("shardlordd started")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGUSR1 {
				logger.Warn().Msg("cancel signal received, abandoning current task batch")
				sched.CancelAll()
				continue
			}
			logger.Info().Msg("shutdown signal received")
			sched.Terminate()
			cancel()
			return
		}
	}()

	// Run drains one task batch and returns when its collections are
	// empty; the daemon re-enters it until a shutdown signal arrives.
	for {
		if err := sched.Run(ctx); err != nil {
			if err == context.Canceled {
				return nil
			}
			return err
		}
		if sched.Terminated() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

func runRebalanceLoop(cat *catalog.Client, q *queue.Queue, interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	logger := log.WithComponent("rebalance")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			moves, err := rebalance.Plan(context.Background(), cat)
			if err != nil {
				logger.Error().Err(err).Msg("rebalance plan failed")
				continue
			}
			if err := rebalance.EnqueueMoves(q, moves); err != nil {
				logger.Error().Err(err).Msg("enqueue planned moves failed")
			}
		case <-stop:
			return
		}
	}
}

var movePartitionCmd = &cobra.Command{
	Use:   "move-partition <partition> <src-node> <dst-node>",
	Short: "Move a partition (primary or replica) to a new node",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		q, err := openQueue(cfg)
		if err != nil {
			return err
		}
		defer q.Close()
		id, err := q.Enqueue(queue.MovePartition, map[string]string{
			"partition": args[0], "src": args[1], "dst": args[2],
		})
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var createReplicaCmd = &cobra.Command{
	Use:   "create-replica <partition> <dst-node>",
	Short: "Create a new replica at the tail of a partition's replica chain",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		q, err := openQueue(cfg)
		if err != nil {
			return err
		}
		defer q.Close()
		id, err := q.Enqueue(queue.CreateReplica, map[string]string{
			"partition": args[0], "dst": args[1],
		})
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var addNodeCmd = &cobra.Command{
	Use:   "add-node <node-id> <conn-string>",
	Short: "Register a new worker node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		q, err := openQueue(cfg)
		if err != nil {
			return err
		}
		defer q.Close()
		id, err := q.Enqueue(queue.AddNode, map[string]string{"id": args[0], "conn": args[1]})
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var removeNodeCmd = &cobra.Command{
	Use:   "remove-node <node-id>",
	Short: "Deregister a worker node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		q, err := openQueue(cfg)
		if err != nil {
			return err
		}
		defer q.Close()
		id, err := q.Enqueue(queue.RemoveNode, map[string]string{"id": args[0]})
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var (
	hashPartitionKey string
	hashPartitionN   int
)

var hashPartitionCmd = &cobra.Command{
	Use:   "hash-partition <relation>",
	Short: "Hash-partition a table across the registered nodes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		q, err := openQueue(cfg)
		if err != nil {
			return err
		}
		defer q.Close()
		id, err := q.Enqueue(queue.HashPartition, map[string]string{
			"relation":  args[0],
			"key":       hashPartitionKey,
			"partCount": fmt.Sprintf("%d", hashPartitionN),
		})
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

func init() {
	hashPartitionCmd.Flags().StringVar(&hashPartitionKey, "key", "", "Partitioning key column")
	hashPartitionCmd.Flags().IntVar(&hashPartitionN, "count", 0, "Number of partitions")
	_ = hashPartitionCmd.MarkFlagRequired("key")
	_ = hashPartitionCmd.MarkFlagRequired("count")
}

var rebalanceCmd = &cobra.Command{
	Use:   "rebalance",
	Short: "Plan and enqueue move-partition commands to equalize primary ownership",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cat, err := catalog.Open(cfg.CatalogDSN)
		if err != nil {
			return err
		}
		defer cat.Close()

		moves, err := rebalance.Plan(cmd.Context(), cat)
		if err != nil {
			return err
		}
		q, err := openQueue(cfg)
		if err != nil {
			return err
		}
		defer q.Close()
		if err := rebalance.EnqueueMoves(q, moves); err != nil {
			return err
		}
		fmt.Printf("planned %d move(s)\n", len(moves))
		return nil
	},
}

var setReplicationLevelCmd = &cobra.Command{
	Use:   "set-replication-level <level>",
	Short: "Enqueue a set-replication-level command (the dispatcher accepts it without changing any state)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		q, err := openQueue(cfg)
		if err != nil {
			return err
		}
		defer q.Close()
		id, err := q.Enqueue(queue.SetReplicationLevel, map[string]string{"level": args[0]})
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}
