package main

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/kvkeeper/keeper/pkg/config"
	"github.com/kvkeeper/keeper/pkg/keeper"
	"github.com/kvkeeper/keeper/pkg/log"
	"github.com/kvkeeper/keeper/pkg/metrics"
	"github.com/kvkeeper/keeper/pkg/security"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a keeper cluster node",
	Long: `serve starts this node's Raft participant, request dispatcher, and
forward-connection listener, and joins the cluster named in its config
file. It blocks until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "/etc/keeperd/keeperd.yaml", "path to the node config file")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %v", err)
	}

	var me config.ServerConfig
	for _, s := range cfg.Cluster.Servers {
		if s.ID == cfg.MyID {
			me = s
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %v", err)
	}

	raftNode, fsm, rawRaft, err := bootstrapRaft(cfg, me)
	if err != nil {
		return fmt.Errorf("bootstrap raft: %v", err)
	}

	var serverTLS, clientTLS *security.PeerTLSFiles
	if cfg.TLS.Enabled {
		files := security.PeerTLSFiles{CertFile: cfg.TLS.CertFile, KeyFile: cfg.TLS.KeyFile, CAFile: cfg.TLS.CAFile}
		serverTLS, clientTLS = &files, &files
	}

	var dialer keeper.Dialer
	if clientTLS != nil {
		tlsConfig, err := security.LoadClientConfig(*clientTLS)
		if err != nil {
			return fmt.Errorf("load client TLS config: %v", err)
		}
		dialer = &keeper.TLSDialer{
			Dialer:    net.Dialer{Timeout: time.Duration(cfg.OperationTimeoutMs) * time.Millisecond},
			TLSConfig: tlsConfig,
		}
	}

	pool := keeper.NewForwardConnectionPool(cfg.Parallel, time.Duration(cfg.OperationTimeoutMs)*time.Millisecond, dialer)
	pool.ApplyDiff(cfg.ForwardPeers())

	dispatcher := keeper.NewDispatcher(keeper.DispatcherConfig{
		Parallel:                cfg.Parallel,
		QueueCapacity:           cfg.QueueCapacity,
		MaxBatchSize:            cfg.MaxBatchSize,
		SessionSyncPeriod:       time.Duration(cfg.SessionSyncPeriodMs) * time.Millisecond,
		OperationTimeout:        time.Duration(cfg.OperationTimeoutMs) * time.Millisecond,
		ApplyTimeout:            time.Duration(cfg.ApplyTimeoutMs) * time.Millisecond,
		DeadSessionCheckPeriod:  time.Duration(cfg.DeadSessionCheckPeriodMs) * time.Millisecond,
		MinSessionTimeoutMs:     cfg.MinSessionTimeoutMs,
		MaxSessionTimeoutMs:     cfg.MaxSessionTimeoutMs,
		ReconnectInterval:       time.Duration(cfg.ReconnectIntervalMs) * time.Millisecond,
		ResponseWorkers:         cfg.ResponseWorkers,
	}, raftNode, fsm, pool)
	dispatcher.Start()

	forwardListener, err := listenForward(me, serverTLS)
	if err != nil {
		return fmt.Errorf("start forward listener: %v", err)
	}
	fl := keeper.NewForwardListener(forwardListener, dispatcher)
	go fl.Serve()

	metricsCollector := metrics.NewCollector(dispatcher)
	metricsCollector.Start()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("raft", true, "bootstrapped")
	metrics.RegisterComponent("dispatcher", true, "running")

	metricsAddr := cfg.MetricsAddr
	errCh := make(chan error, 1)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			errCh <- fmt.Errorf("metrics server error: %v", err)
		}
	}()
	fmt.Printf("keeper node %d forwarding on %s:%d, metrics on http://%s\n",
		cfg.MyID, me.Host, me.ForwardingPort, metricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\n%v\n", err)
	}

	metricsCollector.Stop()
	fl.Close()
	dispatcher.Shutdown()
	if err := rawRaft.Shutdown().Error(); err != nil {
		return fmt.Errorf("raft shutdown: %v", err)
	}

	fmt.Println("shutdown complete")
	return nil
}

// bootstrapRaft wires up the on-disk Raft stores and, the first time this
// node ever starts (no existing log/stable state), bootstraps the static
// cluster configuration named in cfg.Cluster.Servers. Subsequent starts skip
// straight to raft.NewRaft, which replays whatever configuration already
// committed to the log.
func bootstrapRaft(cfg *config.Config, me config.ServerConfig) (keeper.RaftNode, *keeper.FSM, *raft.Raft, error) {
	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(strconv.Itoa(int(cfg.MyID)))
	raftConfig.HeartbeatTimeout = time.Duration(cfg.HeartBeatIntervalMs) * time.Millisecond
	raftConfig.ElectionTimeout = time.Duration(cfg.ElectionTimeoutLowerBoundMs) * time.Millisecond
	raftConfig.LeaderLeaseTimeout = raftConfig.ElectionTimeout / 2

	bindAddr := fmt.Sprintf("%s:%d", me.Host, me.Port)
	addr, err := net.ResolveTCPAddr("tcp", bindAddr)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create stable store: %w", err)
	}

	fsm := keeper.NewFSM(cfg.MinSessionTimeoutMs, cfg.MaxSessionTimeoutMs)

	hasState, err := raft.HasExistingState(logStore, stableStore, snapshotStore)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("check existing raft state: %w", err)
	}

	r, err := raft.NewRaft(raftConfig, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create raft: %w", err)
	}

	if !hasState {
		var servers []raft.Server
		for _, s := range cfg.Cluster.Servers {
			suffrage := raft.Voter
			if s.Learner {
				suffrage = raft.Nonvoter
			}
			servers = append(servers, raft.Server{
				ID:       raft.ServerID(strconv.Itoa(int(s.ID))),
				Address:  raft.ServerAddress(fmt.Sprintf("%s:%d", s.Host, s.Port)),
				Suffrage: suffrage,
			})
		}
		future := r.BootstrapCluster(raft.Configuration{Servers: servers})
		if err := future.Error(); err != nil {
			return nil, nil, nil, fmt.Errorf("bootstrap cluster: %w", err)
		}
	}

	return keeper.NewRaftNode(r, cfg.MyID), fsm, r, nil
}

func listenForward(me config.ServerConfig, tlsFiles *security.PeerTLSFiles) (net.Listener, error) {
	addr := fmt.Sprintf("%s:%d", me.Host, me.ForwardingPort)
	if tlsFiles == nil {
		return net.Listen("tcp", addr)
	}

	tlsConfig, err := security.LoadServerConfig(*tlsFiles)
	if err != nil {
		return nil, fmt.Errorf("load server TLS config: %w", err)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return tls.NewListener(ln, tlsConfig), nil
}
