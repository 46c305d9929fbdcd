// Command janirt is the composition root for the Jani Runtime Orchestrator:
// it loads a TOML deployment file, builds the orchestrator, and runs its
// tick loop alongside an operator console and a Prometheus /metrics
// endpoint (spec.md §4.7, §6).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pelletier/go-toml"

	"github.com/jani-run/jani/console"
	"github.com/jani-run/jani/jani"
	"github.com/jani-run/jani/metrics"
	"github.com/jani-run/jani/orchestrator"
)

func main() {
	configPath := flag.String("config", "jani.toml", "path to the deployment TOML file")
	metricsAddr := flag.String("metrics-addr", ":9090", "listen address for the Prometheus /metrics endpoint")
	flag.Parse()

	log := slog.Default()

	cfg, err := loadConfig(*configPath, log)
	if err != nil {
		log.Error("failed to load configuration", "path", *configPath, "err", err)
		os.Exit(1)
	}

	m := metrics.New()
	orch, err := orchestrator.New(cfg, m)
	if err != nil {
		log.Error("failed to build orchestrator", "err", err)
		os.Exit(1)
	}

	defer orch.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		srv := &http.Server{Addr: *metricsAddr, Handler: m.Handler()}
		log.Info("metrics endpoint listening", "addr", *metricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", "err", err)
		}
	}()

	con := console.New(orch, log)
	go con.Run(ctx)

	log.Info("runtime orchestrator starting",
		"client_port", cfg.Deployment.ClientWorkerListenPort,
		"server_port", cfg.Deployment.ServerWorkerListenPort,
		"inspector_port", cfg.Deployment.InspectorListenPort,
	)
	if err := orch.Run(ctx); err != nil && err != context.Canceled {
		log.Error("runtime orchestrator stopped", "err", err)
		os.Exit(1)
	}
}

// deploymentFile mirrors spec.md §6's configuration shape for TOML
// unmarshaling via pelletier/go-toml.
type deploymentFile struct {
	Deployment struct {
		MaxWorldLength         uint32 `toml:"maximum_world_length"`
		WorkerLength           uint32 `toml:"worker_length"`
		CentralizedWorldOrigin bool   `toml:"uses_centralized_world_origin"`
		RuntimeIP              string `toml:"runtime_ip"`
		ClientWorkerListenPort int    `toml:"client_worker_listen_port"`
		ServerWorkerListenPort int    `toml:"server_worker_listen_port"`
		InspectorListenPort    int    `toml:"inspector_listen_port"`
		ThreadPoolSize         int    `toml:"thread_pool_size"`
	} `toml:"deployment"`

	Layers []struct {
		Name        string `toml:"name"`
		ID          uint64 `toml:"id"`
		UserLayer   bool   `toml:"user_layer"`
		UseSpatial  bool   `toml:"use_spatial_area"`
		MaxEntities int    `toml:"maximum_entities_per_worker"`
		MaxWorkers  int    `toml:"maximum_workers"`
		Components  []struct {
			Name       string            `toml:"name"`
			ID         uint8             `toml:"id"`
			Attributes map[string]string `toml:"attributes"`
		} `toml:"components"`
	} `toml:"layers"`

	Spawners []struct {
		IP   string `toml:"ip"`
		Port int    `toml:"port"`
	} `toml:"spawners"`

	TickIntervalMillis int `toml:"tick_interval_millis"`
}

func loadConfig(path string, log *slog.Logger) (jani.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return jani.Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	var f deploymentFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return jani.Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg := jani.Config{
		Log: log,
		Deployment: jani.Deployment{
			MaxWorldLength:         f.Deployment.MaxWorldLength,
			WorkerLength:           f.Deployment.WorkerLength,
			CentralizedWorldOrigin: f.Deployment.CentralizedWorldOrigin,
			RuntimeIP:              f.Deployment.RuntimeIP,
			ClientWorkerListenPort: f.Deployment.ClientWorkerListenPort,
			ServerWorkerListenPort: f.Deployment.ServerWorkerListenPort,
			InspectorListenPort:    f.Deployment.InspectorListenPort,
			ThreadPoolSize:         f.Deployment.ThreadPoolSize,
		},
	}
	if f.TickIntervalMillis > 0 {
		cfg.TickInterval = time.Duration(f.TickIntervalMillis) * time.Millisecond
	}

	for _, l := range f.Layers {
		layer := jani.LayerConfig{
			Name:        l.Name,
			ID:          jani.LayerId(l.ID),
			UserLayer:   l.UserLayer,
			UseSpatial:  l.UseSpatial,
			MaxEntities: l.MaxEntities,
			MaxWorkers:  l.MaxWorkers,
		}
		for _, c := range l.Components {
			comp := jani.ComponentConfig{Name: c.Name, ID: jani.ComponentId(c.ID), LayerName: l.Name}
			for name, typ := range c.Attributes {
				at, err := parseAttributeType(typ)
				if err != nil {
					return jani.Config{}, fmt.Errorf("layer %s component %s attribute %s: %w", l.Name, c.Name, name, err)
				}
				comp.Attributes = append(comp.Attributes, jani.AttributeSpec{Name: name, Type: at})
			}
			layer.Components = append(layer.Components, comp)
		}
		cfg.Layers = append(cfg.Layers, layer)
	}
	for _, s := range f.Spawners {
		cfg.Spawners = append(cfg.Spawners, jani.SpawnerConfig{IP: s.IP, Port: s.Port})
	}
	return cfg, nil
}

func parseAttributeType(s string) (jani.AttributeType, error) {
	switch s {
	case "bool":
		return jani.AttributeBool, nil
	case "i32":
		return jani.AttributeI32, nil
	case "i64":
		return jani.AttributeI64, nil
	case "u32":
		return jani.AttributeU32, nil
	case "u64":
		return jani.AttributeU64, nil
	case "f32":
		return jani.AttributeF32, nil
	case "f64":
		return jani.AttributeF64, nil
	case "string":
		return jani.AttributeString, nil
	default:
		return 0, fmt.Errorf("unknown attribute type %q", s)
	}
}
