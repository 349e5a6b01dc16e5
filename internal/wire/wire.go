// Package wire assembles the application from the project config: it opens
// every configured storage, registers it in a registry and builds object
// factories for the classes whose property maps live in the maps dir.
// Nothing here is global; the CLI creates one App per invocation.
//
// Registry and factory metrics go to one tally root scope per App. It is
// reported through metrics.LogReporter when the config enables it, and is
// discarded otherwise.
package wire

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally/v4"

	"github.com/example/smartobject/internal/adapters/filesystem"
	"github.com/example/smartobject/internal/adapters/kv"
	"github.com/example/smartobject/internal/adapters/memory"
	"github.com/example/smartobject/internal/adapters/sqlite"
	"github.com/example/smartobject/internal/config"
	"github.com/example/smartobject/internal/core/propmap"
	"github.com/example/smartobject/internal/db"
	"github.com/example/smartobject/internal/factory"
	"github.com/example/smartobject/internal/logging"
	"github.com/example/smartobject/internal/mapfile"
	"github.com/example/smartobject/internal/metrics"
	"github.com/example/smartobject/internal/object"
	"github.com/example/smartobject/internal/ports/secondary"
	"github.com/example/smartobject/internal/registry"
)

// LogSync is the synchronizer registered for every sync group. It logs the
// reported properties.
var LogSync = secondary.SyncFunc(func(ctx context.Context, pk propmap.Value, group string, data secondary.Record) error {
	log.WithFields(log.Fields{
		"pk":    pk.Key(),
		"group": group,
		"data":  data,
	}).Info("Sync")
	return nil
})

// App holds the registry and factories of one project.
type App struct {
	Dir      string
	Config   *config.Config
	Registry *registry.Registry
	Metrics  tally.Scope

	databases map[string]*sql.DB
	closers   []func() error

	mu        sync.Mutex
	bindings  map[string]*object.Binding
	factories map[string]*factory.Factory[*object.Object]
}

// Open loads the config of dir, configures logging and builds the App.
func Open(ctx context.Context, dir string) (*App, error) {
	cfg, err := config.LoadConfig(dir)
	if err != nil {
		return nil, err
	}
	if err := logging.Configure(cfg.LogLevel, cfg.LogFormat, nil); err != nil {
		return nil, err
	}
	return New(ctx, dir, cfg)
}

// New opens every storage of cfg. Paths are relative to dir.
func New(ctx context.Context, dir string, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	interval, err := cfg.MetricsInterval()
	if err != nil {
		return nil, err
	}
	prefix := "smartobject"
	var reporter tally.StatsReporter
	if m := cfg.Metrics; m != nil {
		if m.Prefix != "" {
			prefix = m.Prefix
		}
		if m.Log {
			reporter = metrics.NewLogReporter(nil)
		}
	}
	scope, scopeCloser := metrics.NewRootScope(prefix, reporter, interval)

	a := &App{
		Dir:       dir,
		Config:    cfg,
		Registry:  registry.New(registry.WithScope(scope)),
		Metrics:   scope,
		databases: map[string]*sql.DB{},
		closers:   []func() error{scopeCloser.Close},
		bindings:  map[string]*object.Binding{},
		factories: map[string]*factory.Factory[*object.Object]{},
	}

	for _, s := range cfg.Storages {
		backend, err := a.openStorage(ctx, s)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to open storage %q: %w", s.ID, err)
		}
		if err := a.Registry.DefineStorage(s.ID, backend); err != nil {
			a.Close()
			return nil, err
		}
	}
	if cfg.DefaultStorage != "" {
		if err := a.Registry.SetDefaultStorage(cfg.DefaultStorage); err != nil {
			a.Close()
			return nil, err
		}
	}
	if err := a.Registry.DefineSync("log", LogSync); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) openStorage(ctx context.Context, s config.StorageConfig) (secondary.Backend, error) {
	path := a.Config.StoragePath(a.Dir, s)

	switch s.Kind {
	case config.KindMemory:
		opts := []memory.Option{memory.SoftDelete(s.SoftDelete)}
		if s.AllowEmpty != nil {
			opts = append(opts, memory.AllowEmpty(*s.AllowEmpty))
		}
		return memory.NewStore(opts...), nil

	case config.KindJSON, config.KindYAML, config.KindMsgPack, config.KindCBOR:
		var codec filesystem.Codec = filesystem.JSONCodec{Pretty: s.Pretty}
		switch s.Kind {
		case config.KindYAML:
			codec = filesystem.YAMLCodec{}
		case config.KindMsgPack:
			codec = filesystem.MsgPackCodec{}
		case config.KindCBOR:
			codec = filesystem.CBORCodec{}
		}
		var opts []filesystem.Option
		if s.AllowEmpty != nil {
			opts = append(opts, filesystem.AllowEmpty(*s.AllowEmpty))
		}
		if s.InstantDelete != nil {
			opts = append(opts, filesystem.InstantDelete(*s.InstantDelete))
		}
		return filesystem.NewStore(path, codec, opts...)

	case config.KindSQLite:
		conn, err := a.database(path)
		if err != nil {
			return nil, err
		}
		var opts []sqlite.Option
		if s.PKColumn != "" {
			opts = append(opts, sqlite.WithPrimaryKeyColumn(s.PKColumn))
		}
		if s.AllowEmpty != nil {
			opts = append(opts, sqlite.WithAllowEmpty(*s.AllowEmpty))
		}
		return sqlite.NewStore(ctx, conn, s.Table, opts...)

	case config.KindKV:
		client, err := kv.OpenBolt(path, s.Bucket)
		if err != nil {
			return nil, err
		}
		var opts []kv.Option
		if s.AllowEmpty != nil {
			opts = append(opts, kv.WithAllowEmpty(*s.AllowEmpty))
		}
		store := kv.NewStore(client, s.Bucket, opts...)
		a.closers = append(a.closers, func() error { store.Close(); return nil })
		return store, nil
	}
	return nil, fmt.Errorf("unknown storage kind %q", s.Kind)
}

// database shares one connection pool per sqlite file.
func (a *App) database(path string) (*sql.DB, error) {
	if conn, ok := a.databases[path]; ok {
		return conn, nil
	}
	conn, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	a.databases[path] = conn
	a.closers = append(a.closers, conn.Close)
	return conn, nil
}

// Close releases every opened storage.
func (a *App) Close() error {
	var result error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.closers = nil
	return result
}

// Map loads and compiles the property map of class.
func (a *App) Map(class string) (*propmap.PropertyMap, error) {
	src, err := mapfile.LoadClass(config.Resolve(a.Dir, a.Config.PropertyMapsDir), class)
	if err != nil {
		return nil, err
	}
	return propmap.Compile(class, src)
}

// Binding returns the binding of class, compiling its map on first use.
// Sync groups the registry does not know yet are routed to LogSync.
func (a *App) Binding(class string) (*object.Binding, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bindingLocked(class)
}

func (a *App) bindingLocked(class string) (*object.Binding, error) {
	if b, ok := a.bindings[class]; ok {
		return b, nil
	}
	pm, err := a.Map(class)
	if err != nil {
		return nil, err
	}
	for _, route := range pm.SyncRoutes() {
		if route.ID == "" {
			continue
		}
		if _, _, err := a.Registry.Sync(route); err != nil {
			if err := a.Registry.DefineSync(route.ID, LogSync); err != nil {
				return nil, err
			}
		}
	}
	b, err := object.Bind(pm, a.Registry)
	if err != nil {
		return nil, err
	}
	a.bindings[class] = b
	return b, nil
}

// Factory returns the autoloading factory of class.
func (a *App) Factory(class string) (*factory.Factory[*object.Object], error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if f, ok := a.factories[class]; ok {
		return f, nil
	}
	b, err := a.bindingLocked(class)
	if err != nil {
		return nil, err
	}
	f, err := factory.New(factory.Config[*object.Object]{
		New:      func() *object.Object { return object.New() },
		Binding:  b,
		Autoload: true,
		Scope:    a.Metrics,
	})
	if err != nil {
		return nil, err
	}
	a.factories[class] = f
	return f, nil
}
