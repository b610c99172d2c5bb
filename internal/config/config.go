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

// Package config loads the compute node's startup configuration from the
// environment. Every setting here is immutable for the node's lifetime once
// loaded: the trusted-RPC descriptor and model registry may still change at
// runtime, but they do so through rpcmanager and workflow dispatch, not by
// reloading this struct.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cryptoklosh/dkn-compute-node/internal/identity"
	"github.com/cryptoklosh/dkn-compute-node/internal/models"
)

// Network selects which overlay/HTTP directory a node joins.
type Network string

const (
	NetworkCommunity Network = "community"
	NetworkPro       Network = "pro"
	NetworkTest      Network = "test"
)

// defaultBatchSize is used when DKN_BATCH_SIZE is unset.
const defaultBatchSize = 5

// defaultListenAddr is used when DKN_P2P_LISTEN_ADDR is unset.
const defaultListenAddr = "/ip4/0.0.0.0/tcp/4001"

// WorkflowCredential is one configured model's provider credentials, parsed
// from DKN_MODELS plus its per-provider API key environment variables.
type WorkflowCredential struct {
	Model    string
	Provider models.Provider
	APIKey   string
	BaseURL  string
}

// Config is the node's immutable startup configuration.
type Config struct {
	SecretKey       [identity.SecretKeySize]byte
	Network         Network
	ListenMultiaddr string
	BatchSize       int
	Models          []string
	Workflows       []WorkflowCredential

	OllamaHost string
	OllamaPort int

	// RPCPeerID and RPCMultiaddr pin the trusted RPC peer to dial at
	// startup. Both empty means "discover one from the directory".
	RPCPeerID    string
	RPCMultiaddr string

	// MetricsAddr is the listen address for the Prometheus /metrics and
	// /health endpoints. Empty disables them.
	MetricsAddr string
	// LogLevel is one of debug|info|warn|error, case-insensitive.
	LogLevel string
}

// directoryBaseURLs maps a network to the base URL its available-nodes
// directory and points endpoints live under.
var directoryBaseURLs = map[Network]string{
	NetworkCommunity: "https://node.dria.co",
	NetworkPro:       "https://node-pro.dria.co",
	NetworkTest:      "https://node-test.dria.co",
}

// DirectoryBaseURL returns the HTTP base URL this config's network resolves
// the available-nodes directory and points lookups against.
func (c *Config) DirectoryBaseURL() string {
	if u, ok := directoryBaseURLs[c.Network]; ok {
		return u
	}
	return directoryBaseURLs[NetworkCommunity]
}

// SlogLevel converts LogLevel into the slog.Level the root handler is built
// with. Load already rejects any value this switch doesn't recognize.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads the node's configuration from the process environment. It does
// not probe the listen port; callers invoke ProbeListenAddr separately so
// that config loading stays a pure function of the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Network:         Network(envOrDefault("DKN_NETWORK", string(NetworkCommunity))),
		ListenMultiaddr: envOrDefault("DKN_P2P_LISTEN_ADDR", defaultListenAddr),
		BatchSize:       defaultBatchSize,
		OllamaHost:      envOrDefault("DKN_OLLAMA_HOST", "127.0.0.1"),
		OllamaPort:      11434,
		RPCPeerID:       os.Getenv("DKN_RPC_PEER_ID"),
		RPCMultiaddr:    os.Getenv("DKN_RPC_MULTIADDR"),
		MetricsAddr:     os.Getenv("DKN_METRICS_ADDR"),
		LogLevel:        envOrDefault("DKN_LOG_LEVEL", "info"),
	}

	switch cfg.Network {
	case NetworkCommunity, NetworkPro, NetworkTest:
	default:
		return nil, fmt.Errorf("config: DKN_NETWORK must be one of community|pro|test, got %q", cfg.Network)
	}

	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("config: DKN_LOG_LEVEL must be one of debug|info|warn|error, got %q", cfg.LogLevel)
	}

	if raw := os.Getenv("DKN_BATCH_SIZE"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("config: DKN_BATCH_SIZE must be a positive integer, got %q", raw)
		}
		cfg.BatchSize = n
	}

	if raw := os.Getenv("DKN_OLLAMA_PORT"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("config: DKN_OLLAMA_PORT must be a positive integer, got %q", raw)
		}
		cfg.OllamaPort = n
	}

	modelsRaw := os.Getenv("DKN_MODELS")
	if modelsRaw == "" {
		return nil, fmt.Errorf("config: DKN_MODELS is required")
	}
	for _, m := range strings.Split(modelsRaw, ",") {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if !models.Known(m) {
			return nil, fmt.Errorf("config: DKN_MODELS references unknown model %q", m)
		}
		cfg.Models = append(cfg.Models, m)
	}
	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("config: DKN_MODELS must list at least one model")
	}

	cfg.Workflows = buildWorkflows(cfg.Models)

	secretHex := os.Getenv("DKN_WALLET_SECRET_KEY")
	if secretHex == "" {
		return nil, fmt.Errorf("config: DKN_WALLET_SECRET_KEY is required")
	}
	secret, isZero, err := identity.ParseSecretHex(secretHex)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if isZero {
		// Ephemeral test-node aid: an all-zero key means "generate one for
		// me". Production deployments should set a real key; this path
		// exists so CI and local smoke tests don't need to mint one.
		secret, err = identity.RandomSecret()
		if err != nil {
			return nil, fmt.Errorf("config: generate random secret: %w", err)
		}
	}
	cfg.SecretKey = secret

	return cfg, nil
}

// buildWorkflows resolves each configured model's provider and reads that
// provider's API key/base URL from its conventional environment variable,
// substituting any ${VAR} indirection the value carries.
func buildWorkflows(modelIDs []string) []WorkflowCredential {
	var out []WorkflowCredential
	for _, m := range modelIDs {
		provider, ok := models.Lookup(m)
		if !ok {
			continue
		}
		wf := WorkflowCredential{Model: m, Provider: provider}
		switch provider {
		case models.ProviderOpenAI:
			wf.APIKey = SubstituteEnvVars(envOrDefault("OPENAI_API_KEY", ""))
			wf.BaseURL = envOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1")
		case models.ProviderGemini:
			wf.APIKey = SubstituteEnvVars(envOrDefault("GEMINI_API_KEY", ""))
			wf.BaseURL = envOrDefault("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta/openai")
		case models.ProviderOpenRouter:
			wf.APIKey = SubstituteEnvVars(envOrDefault("OPENROUTER_API_KEY", ""))
			wf.BaseURL = envOrDefault("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1")
		case models.ProviderOllama:
			// No credentials: Ollama is reached over the locally configured
			// host/port instead, see Config.OllamaHost/OllamaPort.
		}
		out = append(out, wf)
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// ProbeListenAddr dials the TCP port encoded in a "/ip4/.../tcp/<port>"
// multiaddr on loopback; a successful connect means something is already
// listening there, and startup must fail with "address in use" rather than
// silently stealing the port from another process.
func ProbeListenAddr(multiaddr string) error {
	port, err := tcpPortFromMultiaddr(multiaddr)
	if err != nil {
		return err
	}

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 200*time.Millisecond)
	if err != nil {
		// Nothing answered: the port is free.
		return nil
	}
	_ = conn.Close()
	return fmt.Errorf("config: address in use: 127.0.0.1:%d", port)
}

func tcpPortFromMultiaddr(multiaddr string) (int, error) {
	_, port, err := hostPortFromMultiaddr(multiaddr)
	return port, err
}

// ListenHostPort converts a "/ip4/<host>/tcp/<port>" multiaddr into the
// "host:port" form the WebSocket commander's listener expects.
func ListenHostPort(multiaddr string) (string, error) {
	host, port, err := hostPortFromMultiaddr(multiaddr)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", host, port), nil
}

func hostPortFromMultiaddr(multiaddr string) (host string, port int, err error) {
	parts := strings.Split(strings.Trim(multiaddr, "/"), "/")
	hasTCP := false
	for i := 0; i+1 < len(parts); i += 2 {
		switch parts[i] {
		case "ip4", "ip6":
			host = parts[i+1]
		case "tcp":
			port, err = strconv.Atoi(parts[i+1])
			if err != nil {
				return "", 0, fmt.Errorf("config: invalid tcp port in multiaddr %q: %w", multiaddr, err)
			}
			hasTCP = true
		}
	}
	if !hasTCP {
		return "", 0, fmt.Errorf("config: multiaddr %q has no /tcp/<port> component", multiaddr)
	}
	if host == "" {
		host = "0.0.0.0"
	}
	return host, port, nil
}
