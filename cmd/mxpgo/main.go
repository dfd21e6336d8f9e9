// Command mxpgo runs an MXP agent kernel, either serving calls itself or
// coordinating calls across downstream agents.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mxpgo-dev/mxpgo/agent"
	"github.com/mxpgo-dev/mxpgo/audit"
	"github.com/mxpgo-dev/mxpgo/config"
	"github.com/mxpgo-dev/mxpgo/coordinator"
	"github.com/mxpgo-dev/mxpgo/identity"
	"github.com/mxpgo-dev/mxpgo/memory"
	"github.com/mxpgo-dev/mxpgo/model"
	"github.com/mxpgo-dev/mxpgo/observability"
	"github.com/mxpgo-dev/mxpgo/policy"
	"github.com/mxpgo-dev/mxpgo/registry"
	"github.com/mxpgo-dev/mxpgo/tool"
	"github.com/mxpgo-dev/mxpgo/transport"
	"github.com/mxpgo-dev/mxpgo/wire"
)

// Version is set via ldflags.
var Version = "dev"

var configFile string

func main() {
	root := &cobra.Command{
		Use:           "mxpgo",
		Short:         "MXP agent runtime",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "mxpgo.yaml", "configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run an agent kernel that executes calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(false)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "coordinate",
		Short: "Run a coordinator that routes calls to downstream agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(true)
		},
	})

	if err := root.Execute(); err != nil {
		log.Printf("mxpgo: %v", err)
		os.Exit(1)
	}
}

func run(coordinate bool) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	observability.InitMetrics()
	if err := observability.InitFromEnv(); err != nil {
		log.Printf("mxpgo: tracing disabled: %v", err)
	}

	manifest, err := buildManifest(cfg)
	if err != nil {
		return err
	}

	tr := transport.New(transport.Config{ReadTimeout: cfg.ReadTimeout.Std()})

	// The handler is wired after Bind (it needs the kernel's responder).
	handler := &lateHandler{}
	kernel, err := agent.NewKernel(agent.KernelConfig{
		Manifest:  manifest,
		BindAddr:  cfg.BindAddr,
		Transport: tr,
		Handler:   handler,
		Scheduler: agent.SchedulerConfig{
			MaxConcurrent: cfg.MaxConcurrentCalls,
			QueueDepth:    cfg.InboundQueueDepth,
		},
		HeartbeatInterval: cfg.HeartbeatInterval.Std(),
		SweepInterval:     cfg.SweepInterval.Std(),
		DrainDeadline:     cfg.DrainDeadline.Std(),
	})
	if err != nil {
		return err
	}

	if err := kernel.Bind(); err != nil {
		return fmt.Errorf("bind %s: %w", cfg.BindAddr, err)
	}
	log.Printf("mxpgo v%s: %s listening on %s", Version, manifest.Name, kernel.Handle().LocalAddr())

	observer, err := buildObserver(cfg, kernel)
	if err != nil {
		return err
	}

	var client *registry.Client
	if cfg.DirectoryAddr != "" {
		directory, err := net.ResolveUDPAddr("udp", cfg.DirectoryAddr)
		if err != nil {
			return fmt.Errorf("resolve directory_addr: %w", err)
		}
		client, err = registry.NewClient(registry.Config{
			Manifest:  manifest,
			Endpoint:  kernel.Handle().LocalAddr().String(),
			Handle:    kernel.Handle(),
			Directory: directory,
		})
		if err != nil {
			return err
		}
		kernel.SetRegistry(client)
	}

	if coordinate {
		coord, err := coordinator.New(coordinator.Config{
			AgentID:      manifest.ID,
			Responder:    kernel.Responder(),
			CallDeadline: cfg.CallDeadline.Std(),
			PendingSlack: cfg.PendingTimeout.Std() - cfg.CallDeadline.Std(),
			Observer:     observer,
		})
		if err != nil {
			return err
		}
		handler.inner = coord
		kernel.SetSweeper(coord)
	} else {
		engine := policy.NewRuleEngine(policy.EngineConfig{
			DefaultDecision:    policy.Allow(),
			EscalationDeadline: cfg.EscalationDeadline.Std(),
		})

		bus, err := buildMemoryBus(cfg, manifest.ID, engine, observer)
		if err != nil {
			return err
		}

		adapter, err := buildAdapter(cfg)
		if err != nil {
			return err
		}

		executor, err := agent.NewCallExecutor(agent.ExecutorConfig{
			AgentID:      manifest.ID,
			Tools:        builtinTools(),
			Adapter:      adapter,
			Policy:       engine,
			Memory:       bus,
			Observer:     observer,
			Responder:    kernel.Responder(),
			CallDeadline: cfg.CallDeadline.Std(),
		})
		if err != nil {
			return err
		}

		callHandler := agent.NewCallHandler(executor)
		if client != nil {
			callHandler.OnAck = client.HandleAck
		}
		handler.inner = callHandler
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := kernel.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("mxpgo: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.DrainDeadline.Std()+5*time.Second)
	defer shutdownCancel()
	if err := kernel.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := observability.Shutdown(shutdownCtx); err != nil {
		log.Printf("mxpgo: tracing shutdown: %v", err)
	}
	return nil
}

// lateHandler defers to a handler wired after the kernel is bound.
type lateHandler struct {
	agent.UnimplementedHandler
	inner agent.Handler
}

func (h *lateHandler) HandleRegister(ctx context.Context, hc *agent.HandlerContext) error {
	return h.inner.HandleRegister(ctx, hc)
}

func (h *lateHandler) HandleDiscover(ctx context.Context, hc *agent.HandlerContext) error {
	return h.inner.HandleDiscover(ctx, hc)
}

func (h *lateHandler) HandleHeartbeat(ctx context.Context, hc *agent.HandlerContext) error {
	return h.inner.HandleHeartbeat(ctx, hc)
}

func (h *lateHandler) HandleCall(ctx context.Context, hc *agent.HandlerContext) error {
	return h.inner.HandleCall(ctx, hc)
}

func (h *lateHandler) HandleResponse(ctx context.Context, hc *agent.HandlerContext) error {
	return h.inner.HandleResponse(ctx, hc)
}

func (h *lateHandler) HandleStreamOpen(ctx context.Context, hc *agent.HandlerContext) error {
	return h.inner.HandleStreamOpen(ctx, hc)
}

func (h *lateHandler) HandleStreamChunk(ctx context.Context, hc *agent.HandlerContext) error {
	return h.inner.HandleStreamChunk(ctx, hc)
}

func (h *lateHandler) HandleStreamClose(ctx context.Context, hc *agent.HandlerContext) error {
	return h.inner.HandleStreamClose(ctx, hc)
}

func (h *lateHandler) HandleAck(ctx context.Context, hc *agent.HandlerContext) error {
	return h.inner.HandleAck(ctx, hc)
}

func (h *lateHandler) HandleError(ctx context.Context, hc *agent.HandlerContext) error {
	return h.inner.HandleError(ctx, hc)
}

func buildManifest(cfg *config.Config) (identity.Manifest, error) {
	caps := make([]identity.Capability, 0, len(cfg.Agent.Capabilities))
	for _, c := range cfg.Agent.Capabilities {
		cap, err := identity.NewCapability(c.ID, c.Name, c.Version, c.Scopes...)
		if err != nil {
			return identity.Manifest{}, err
		}
		caps = append(caps, cap)
	}
	m, err := identity.NewManifest(identity.NewAgentID(), cfg.Agent.Name, cfg.Agent.Version, caps)
	if err != nil {
		return identity.Manifest{}, err
	}
	return m.WithDescription(cfg.Agent.Description), nil
}

func buildObserver(cfg *config.Config, kernel *agent.Kernel) (audit.Observer, error) {
	sinks := []audit.Observer{audit.LogSink{}}
	if cfg.GovernanceAddr != "" {
		peer, err := net.ResolveUDPAddr("udp", cfg.GovernanceAddr)
		if err != nil {
			return nil, fmt.Errorf("resolve governance_addr: %w", err)
		}
		// The remote sink gets a bounded queue so a slow governance peer
		// cannot stall the call path.
		remote := audit.NewRemoteSink(kernel.Handle(), wire.NewFrameCodec(), peer)
		sinks = append(sinks, audit.NewQueuedSink(remote, 256))
	}
	return audit.NewFanout(sinks...), nil
}

func buildMemoryBus(cfg *config.Config, agentID identity.AgentID, engine policy.Engine, observer audit.Observer) (*memory.Bus, error) {
	path := cfg.JournalPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		path = filepath.Join(home, ".mxpgo", "journal.log")
	}
	journal, err := memory.OpenFileJournal(path)
	if err != nil {
		return nil, err
	}
	return memory.NewBus(memory.BusConfig{
		AgentID:  agentID,
		Journal:  journal,
		Policy:   engine,
		Observer: observer,
	})
}

func buildAdapter(cfg *config.Config) (model.Adapter, error) {
	switch cfg.Model.Provider {
	case "openai":
		keyEnv := cfg.Model.APIKeyEnv
		if keyEnv == "" {
			keyEnv = "OPENAI_API_KEY"
		}
		return model.NewOpenAIAdapter(os.Getenv(keyEnv), cfg.Model.Model)
	case "", "static":
		return model.NewStaticAdapter(
			model.Metadata{Provider: "static", Model: "echo"},
			"no model provider is configured; this is a canned response",
			16,
		), nil
	}
	return nil, fmt.Errorf("unknown model provider %q", cfg.Model.Provider)
}

func builtinTools() *tool.Registry {
	reg := tool.NewRegistry()
	meta, err := tool.NewMetadata("echo", "1.0.0")
	if err == nil {
		_ = reg.Register(meta.WithDescription("returns its input unchanged"), func(_ context.Context, input json.RawMessage) (any, error) {
			var v any
			if len(input) == 0 {
				return nil, nil
			}
			if err := json.Unmarshal(input, &v); err != nil {
				return nil, err
			}
			return v, nil
		})
	}
	return reg
}
