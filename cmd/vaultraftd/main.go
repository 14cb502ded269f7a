// Command vaultraftd runs one node of a vaultraft cluster: a cobra
// CLI grounded on cuemby-warren/cmd/warren/main.go's cobra wiring and
// graceful shutdown pattern (signal.Notify + select over a shutdown
// channel and a server-error channel).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nimbusvault/vraft/pkg/raftnode"
	"github.com/nimbusvault/vraft/pkg/rpcapi"
	"github.com/nimbusvault/vraft/pkg/server"
	"github.com/nimbusvault/vraft/pkg/statemachine"
	"github.com/nimbusvault/vraft/pkg/vaultraft"
	"github.com/nimbusvault/vraft/pkg/vlog"
	"github.com/nimbusvault/vraft/pkg/vmetrics"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "vaultraftd",
	Short:   "vaultraftd runs one replica of a vaultraft cluster",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	vlog.Init(vlog.Config{Level: vlog.Level(level), JSONOutput: jsonOutput})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start this node's Raft member, client RPC surface, and ops listener",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("id", "", "This node's Raft server ID (required)")
	serveCmd.Flags().String("http-addr", "127.0.0.1:8080", "Ops listener: /healthz and /metrics")
	serveCmd.Flags().String("rpc-addr", "127.0.0.1:9090", "Client/forwarding gRPC bind address")
	serveCmd.Flags().String("raft-addr", "127.0.0.1:9091", "hashicorp/raft transport bind address")
	serveCmd.Flags().String("data-dir", "./vaultraft-data", "Directory for the log, vote, and snapshot stores")
	serveCmd.Flags().Bool("bootstrap", false, "Bootstrap a brand-new single-node cluster on first start")
	_ = serveCmd.MarkFlagRequired("id")
}

// statusTranslatingInterceptor maps a handler's *vaultraft.StatusError
// into the matching gRPC status code on its way out, so a client sees
// codes.FailedPrecondition/Unauthenticated/etc. instead of the generic
// codes.Unknown grpc-go falls back to for a plain Go error.
func statusTranslatingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		return resp, rpcapi.ToGRPCError(err)
	}
	return resp, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	nodeID, _ := cmd.Flags().GetString("id")
	httpAddr, _ := cmd.Flags().GetString("http-addr")
	rpcAddr, _ := cmd.Flags().GetString("rpc-addr")
	raftAddr, _ := cmd.Flags().GetString("raft-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	bootstrap, _ := cmd.Flags().GetBool("bootstrap")

	log := vlog.WithNodeID(vlog.Component("main"), nodeID)

	cfg := vaultraft.DefaultConfig()
	cfg.NodeID = nodeID
	cfg.BindAddr = raftAddr
	cfg.RPCAddr = rpcAddr
	cfg.DataDir = dataDir

	fsm := statemachine.New()
	node, err := raftnode.Open(cfg, fsm)
	if err != nil {
		return fmt.Errorf("open raft node: %w", err)
	}

	if bootstrap {
		if err := node.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		log.Info().Msg("bootstrapped single-node cluster")
	}

	srv := server.New(node, fsm, cfg)
	srv.RegisterPeer(cfg.NodeID, cfg.RPCAddr)

	collector := server.NewMetricsCollector(srv)
	collector.Start(15 * time.Second)
	defer collector.Stop()

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(statusTranslatingInterceptor))
	grpcServer.RegisterService(&rpcapi.ServiceDesc, srv)

	errCh := make(chan error, 2)
	go func() {
		lis, err := listenTCP(rpcAddr)
		if err != nil {
			errCh <- fmt.Errorf("rpc listener: %w", err)
			return
		}
		log.Info().Str("addr", rpcAddr).Msg("rpc surface listening")
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("rpc server: %w", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthzHandler(node))
	mux.Handle("/metrics", vmetrics.Handler())
	httpServer := &http.Server{
		Addr:         httpAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Info().Str("addr", httpAddr).Msg("ops listener: /healthz /metrics")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("ops server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("fatal server error")
	}

	grpcServer.GracefulStop()
	_ = httpServer.Close()
	if err := node.Shutdown(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("shutdown complete")
	return nil
}
