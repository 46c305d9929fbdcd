package jani

import (
	"fmt"
	"log/slog"
	"net"
	"time"
)

// AttributeType is the declared wire type of one component attribute. The
// Runtime never interprets attribute values (spec.md §1); the type is
// recorded only so tooling (the inspector, the worker-side ECS binding) can
// agree on a schema. It carries no behavior here.
type AttributeType uint8

const (
	AttributeBool AttributeType = iota
	AttributeI32
	AttributeI64
	AttributeU32
	AttributeU64
	AttributeF32
	AttributeF64
	AttributeString
)

// AttributeSpec names one field of a component's schema.
type AttributeSpec struct {
	Name string
	Type AttributeType
}

// ComponentConfig is one entry of a Layer's component list, as supplied in
// the immutable deployment configuration (spec.md §6).
type ComponentConfig struct {
	Name       string
	ID         ComponentId
	LayerName  string
	Attributes []AttributeSpec
}

// LayerConfig describes one Layer: a named group of component types that a
// worker authenticates into and holds authority over (spec.md §3, §6).
type LayerConfig struct {
	Name        string
	ID          LayerId
	UserLayer   bool
	UseSpatial  bool
	MaxEntities int // MaxEntitiesPerWorker; 0 means no spatial rebalancing ever fires.
	MaxWorkers  int
	Components  []ComponentConfig
}

// ComponentMask returns the bitmask of every component id belonging to this
// layer.
func (l LayerConfig) ComponentMask() ComponentMask {
	var m ComponentMask
	for _, c := range l.Components {
		m = m.Set(c.ID)
	}
	return m
}

// SpawnerConfig is the network address of one external worker-spawner
// process (spec.md §6); the spawner itself is an out-of-scope collaborator.
type SpawnerConfig struct {
	IP   string
	Port int
}

func (s SpawnerConfig) Addr() string {
	return net.JoinHostPort(s.IP, fmt.Sprint(s.Port))
}

// Deployment holds the world-geometry and listen-port parameters fixed at
// startup (spec.md §6).
type Deployment struct {
	// MaxWorldLength is the total world extent along one axis; must be a
	// multiple of WorkerLength (called CellLength in spec.md §4.1).
	MaxWorldLength uint32
	// WorkerLength is the side length of one spatial cell.
	WorkerLength uint32
	// CentralizedWorldOrigin, when true, centers the coordinate mapping on
	// the world's midpoint instead of its low corner (spec.md §4.1).
	CentralizedWorldOrigin bool

	RuntimeIP              string
	ClientWorkerListenPort int
	ServerWorkerListenPort int
	InspectorListenPort    int

	// ThreadPoolSize bounds the interest-query worker pool; -1 means use
	// every available core (spec.md §6).
	ThreadPoolSize int
}

// Validate reports a configuration error the Runtime cannot proceed with.
func (d Deployment) Validate() error {
	if d.WorkerLength == 0 {
		return fmt.Errorf("jani: deployment: worker length must be non-zero")
	}
	if d.MaxWorldLength%d.WorkerLength != 0 {
		return fmt.Errorf("jani: deployment: world length %d is not a multiple of worker length %d", d.MaxWorldLength, d.WorkerLength)
	}
	return nil
}

// Config aggregates everything the Runtime Orchestrator needs at
// construction time. Parsing it from a file is explicitly out of scope for
// this module (spec.md §1); Config is built by the caller (cmd/janirt, or a
// test) and handed to orchestrator.New as an immutable value.
type Config struct {
	Deployment Deployment
	Layers     []LayerConfig
	Spawners   []SpawnerConfig

	// Log receives every warning/critical/info message produced by the
	// runtime. Defaults to slog.Default() when nil, matching
	// dragonfly/server.Config.Log.
	Log *slog.Logger

	// TickInterval is the period of the orchestrator's main loop. Defaults
	// to 50ms (20 Hz) when zero.
	TickInterval time.Duration

	// HeartbeatWindow, TimeoutMillis and TimeoutGraceMultiplier configure
	// the reliable transport (spec.md §4.4). Zero values fall back to the
	// spec's stated defaults (100ms, 500ms, 8x).
	HeartbeatWindow        time.Duration
	TimeoutMillis          int
	TimeoutGraceMultiplier int
}

// Logger returns Log, or slog.Default() when nil.
func (c Config) Logger() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

// LayerByID returns the layer configuration for id, if any.
func (c Config) LayerByID(id LayerId) (LayerConfig, bool) {
	for _, l := range c.Layers {
		if l.ID == id {
			return l, true
		}
	}
	return LayerConfig{}, false
}

// LayerOfComponent returns the layer a component id belongs to. Each
// component belongs to exactly one layer (spec.md §3).
func (c Config) LayerOfComponent(id ComponentId) (LayerConfig, bool) {
	for _, l := range c.Layers {
		for _, comp := range l.Components {
			if comp.ID == id {
				return l, true
			}
		}
	}
	return LayerConfig{}, false
}
