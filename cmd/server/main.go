// cmd/server is the main entrypoint for a KV store node.
//
// Configuration is flags first, falling back to environment variables, so a
// single binary can serve any role in the cluster from a process manager
// that only sets env vars.
//
// Example — single node:
//
//	./server --id node1 --addr :8080 --data-dir /var/kvstore/node1
//
// Example — 3-node cluster:
//
//	./server --id node1 --addr :8080 --data-dir /tmp/n1 \
//	         --peers node2=localhost:8081,node3=localhost:8082
//	./server --id node2 --addr :8081 --data-dir /tmp/n2 \
//	         --peers node1=localhost:8080,node3=localhost:8082
//	./server --id node3 --addr :8082 --data-dir /tmp/n3 \
//	         --peers node1=localhost:8080,node2=localhost:8081
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"distributed-kvstore/internal/kvlog"
	"distributed-kvstore/internal/server"
)

func main() {
	var (
		nodeID             string
		addr               string
		dataDir            string
		peersFlag          string
		adminAddr          string
		batchCap           int
		logLevel           string
		logConsole         bool
		injectFailures     bool
		failureProbability float64
		failureSeed        int64
		compactOnExit      bool
		snapshotInterval   time.Duration
	)

	root := &cobra.Command{
		Use:   "server",
		Short: "Run one node of the distributed key-value store",
		RunE: func(cmd *cobra.Command, args []string) error {
			kvlog.Init(kvlog.Config{Level: logLevel, Console: logConsole})
			log := kvlog.WithNode(nodeID)

			peers, err := parsePeers(peersFlag)
			if err != nil {
				return err
			}

			opts := server.Options{
				NodeID:             nodeID,
				ListenAddr:         addr,
				AdminAddr:          adminAddr,
				Peers:              peers,
				DataDir:            dataDir,
				BatchCap:           batchCap,
				InjectFailures:     injectFailures,
				FailureProbability: failureProbability,
				FailureSeed:        failureSeed,
			}

			srv, err := server.New(opts, log)
			if err != nil {
				return fmt.Errorf("start node %s: %w", nodeID, err)
			}
			srv.Start()

			stopSnapshots := make(chan struct{})
			go func() {
				ticker := time.NewTicker(snapshotInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						if err := srv.Compact(); err != nil {
							log.Error().Err(err).Msg("periodic compaction failed")
						} else {
							log.Info().Msg("periodic compaction complete")
						}
					case <-stopSnapshots:
						return
					}
				}
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit
			close(stopSnapshots)

			log.Info().Msg("signal received, shutting down")
			srv.Shutdown(compactOnExit)
			return nil
		},
	}

	flags := root.Flags()
	flags.StringVar(&nodeID, "id", envOr("KV_NODE_ID", "node1"), "Unique node identifier")
	flags.StringVar(&addr, "addr", envOr("KV_SERVER_PORT", ":8080"), "Client/peer listen address (host:port)")
	flags.StringVar(&dataDir, "data-dir", envOr("KV_STORE_FILE", "/tmp/kvstore"), "Directory for the consensus log and WAL")
	flags.StringVar(&peersFlag, "peers", "", "Comma-separated list of peer nodes: id=host:port")
	flags.StringVar(&adminAddr, "admin-addr", "", "Admin HTTP listen address (host:port); empty disables it")
	flags.IntVar(&batchCap, "batch-cap", 0, "Max records per WAL flush batch (0 uses the default)")
	flags.StringVar(&logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	flags.BoolVar(&logConsole, "log-console", false, "Use a human-readable console log writer instead of JSON")
	flags.BoolVar(&injectFailures, "inject-failures", false, "Simulate dropped durable writes (testing only)")
	flags.Float64Var(&failureProbability, "failure-probability", 0, "Drop probability in [0,1] when --inject-failures is set")
	flags.Int64Var(&failureSeed, "failure-seed", 1, "RNG seed for --inject-failures, for reproducible runs")
	flags.BoolVar(&compactOnExit, "compact-on-exit", true, "Compact the log once on graceful shutdown")
	flags.DurationVar(&snapshotInterval, "compact-interval", 60*time.Second, "Interval between periodic background compactions")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// parsePeers parses a comma-separated id=host:port list into a map.
func parsePeers(raw string) (map[string]string, error) {
	peers := make(map[string]string)
	if raw == "" {
		return peers, nil
	}
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid peer format %q: expected id=host:port", entry)
		}
		peers[parts[0]] = parts[1]
	}
	return peers, nil
}

// envOr returns the named environment variable, or def if unset.
func envOr(name, def string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return def
}
