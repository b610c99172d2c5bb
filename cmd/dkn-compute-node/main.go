// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cryptoklosh/dkn-compute-node/internal/commander"
	"github.com/cryptoklosh/dkn-compute-node/internal/config"
	"github.com/cryptoklosh/dkn-compute-node/internal/dispatch"
	"github.com/cryptoklosh/dkn-compute-node/internal/heartbeat"
	"github.com/cryptoklosh/dkn-compute-node/internal/identity"
	"github.com/cryptoklosh/dkn-compute-node/internal/metrics"
	"github.com/cryptoklosh/dkn-compute-node/internal/models"
	"github.com/cryptoklosh/dkn-compute-node/internal/node"
	"github.com/cryptoklosh/dkn-compute-node/internal/rpcmanager"
	"github.com/cryptoklosh/dkn-compute-node/internal/specs"
	"github.com/cryptoklosh/dkn-compute-node/internal/worker"
	"github.com/cryptoklosh/dkn-compute-node/pkg/health"
	"github.com/cryptoklosh/dkn-compute-node/pkg/version"
)

var (
	debugFlag    bool
	httpAddrFlag string
	envFileFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "dkn-compute-node",
	Short: "DKN compute node - joins the overlay and serves LLM tasks",
	Long: `dkn-compute-node joins a peer-to-peer overlay, advertises its hardware
specs and served models, accepts computation tasks from its trusted RPC
peer, executes them against a configured LLM provider, and returns signed,
encrypted results.`,
	RunE: runNode,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "include debug-only fields in periodic diagnostics")
	rootCmd.PersistentFlags().StringVar(&httpAddrFlag, "http-addr", "127.0.0.1:8080", "address serving /metrics and /health (overrides DKN_METRICS_ADDR when set explicitly)")
	rootCmd.PersistentFlags().StringVar(&envFileFlag, "env-file", ".env", "dotenv file to load before reading DKN_* environment variables")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		version.PrintVersion()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runNode(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	if err := godotenv.Load(envFileFlag); err != nil {
		logger.Debug("no dotenv file loaded", "path", envFileFlag, "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	if err := config.ProbeListenAddr(cfg.ListenMultiaddr); err != nil {
		return err
	}

	id, err := identity.FromSecret(cfg.SecretKey)
	if err != nil {
		return fmt.Errorf("derive identity: %w", err)
	}
	logger.Info("node identity", "peerId", id.PeerID, "address", id.AddressHex())

	listenHostPort, err := config.ListenHostPort(cfg.ListenMultiaddr)
	if err != nil {
		return err
	}
	protocol := commander.NewProtocol("dkn-compute", 1, 0)
	cmdr := commander.NewWSCommander(protocol, listenHostPort, id.PeerID)

	factory := &dispatch.ModelFactory{
		OllamaHost:  cfg.OllamaHost,
		OllamaPort:  cfg.OllamaPort,
		Credentials: buildCredentials(cfg),
	}
	outputCh := make(chan worker.Output, 64)
	engine := dispatch.NewEngine(factory, cfg.BatchSize, outputCh)

	hbTracker := heartbeat.NewTracker()
	sc := specs.NewCollector(cfg.Models, version.Short())
	recorder := metrics.NewRecorder()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	peer, err := resolveInitialPeer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("resolve initial RPC peer: %w", err)
	}

	rpc := rpcmanager.NewManager(cmdr, peer, cfg.DirectoryBaseURL()+"/available-nodes", cfg.DirectoryBaseURL(), nil, logger)
	rpc.Metrics = recorder

	n := node.New(id, protocol, cmdr, engine, hbTracker, sc, rpc, outputCh, logger)
	n.Models = cfg.Models
	n.Version = version.Short()
	n.Debug = debugFlag
	n.Metrics = recorder

	metricsAddr := cfg.MetricsAddr
	if httpAddrFlagChanged() {
		metricsAddr = httpAddrFlag
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := cmdr.ListenAndServe(); err != nil {
			return fmt.Errorf("websocket listener: %w", err)
		}
		return nil
	})
	if metricsAddr != "" {
		checker := buildHealthChecker(id, rpc, cfg)
		httpServer := &http.Server{
			Addr:    metricsAddr,
			Handler: buildHTTPHandler(recorder, checker),
		}
		g.Go(func() error {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	} else {
		logger.Info("metrics endpoint disabled", "reason", "DKN_METRICS_ADDR unset")
	}
	g.Go(func() error {
		return n.Run(gctx)
	})

	return g.Wait()
}

// httpAddrFlagChanged reports whether --http-addr was set explicitly on the
// command line, as opposed to carrying its zero-config default. DKN_METRICS_ADDR
// is the documented switch for the metrics/health endpoint; --http-addr only
// overrides its listen address when the operator passed it deliberately.
func httpAddrFlagChanged() bool {
	return rootCmd.PersistentFlags().Changed("http-addr")
}

func resolveInitialPeer(ctx context.Context, cfg *config.Config) (rpcmanager.RPCPeer, error) {
	if cfg.RPCPeerID != "" && cfg.RPCMultiaddr != "" {
		return rpcmanager.RPCPeer{PeerID: cfg.RPCPeerID, Multiaddr: cfg.RPCMultiaddr}, nil
	}
	return rpcmanager.FetchInitialPeer(ctx, nil, cfg.DirectoryBaseURL()+"/available-nodes")
}

func buildCredentials(cfg *config.Config) map[models.Provider]dispatch.ProviderCredentials {
	creds := make(map[models.Provider]dispatch.ProviderCredentials)
	for _, wf := range cfg.Workflows {
		creds[wf.Provider] = dispatch.ProviderCredentials{BaseURL: wf.BaseURL, APIKey: wf.APIKey}
	}
	return creds
}

func buildHealthChecker(id *identity.Identity, rpc *rpcmanager.Manager, cfg *config.Config) *health.HealthChecker {
	checker := health.NewHealthChecker(3 * time.Second)
	checker.SetCacheTTL(2 * time.Second)

	checker.RegisterCheck("identity", health.IdentityHealthCheck(func() error {
		if id.SecretKey() == nil {
			return fmt.Errorf("no signing key loaded")
		}
		return nil
	}))
	checker.RegisterCheck("rpc_peer", health.RPCHealthCheck(func(ctx context.Context) error {
		if !rpc.Commander.IsConnected(rpc.TrustedPeerID()) {
			return fmt.Errorf("not connected to trusted RPC peer %s", rpc.TrustedPeerID())
		}
		return nil
	}))
	checker.RegisterCheck("system", health.SystemResourceCheck)
	if cfg.OllamaHost != "" {
		checker.RegisterCheck("ollama", health.ServiceHealthCheck(
			fmt.Sprintf("http://%s:%d", cfg.OllamaHost, cfg.OllamaPort),
			func(ctx context.Context, url string) error {
				req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
				if err != nil {
					return err
				}
				resp, err := http.DefaultClient.Do(req)
				if err != nil {
					return err
				}
				defer resp.Body.Close()
				return nil
			},
		))
	}
	return checker
}

func buildHTTPHandler(recorder *metrics.Recorder, checker *health.HealthChecker) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		snapshot := checker.GetSystemHealth(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if snapshot.Status != health.StatusHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(snapshot)
	})
	return mux
}
