// Package mrouter routes application audio streams to output devices,
// locally by routing groups or as told by an external audio manager.
package mrouter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/MixyLabs/mrouter/pkg/mrouter/audiomgr"
	"github.com/MixyLabs/mrouter/pkg/mrouter/classify"
	"github.com/MixyLabs/mrouter/pkg/mrouter/linkswitch"
	"github.com/MixyLabs/mrouter/pkg/mrouter/metrics"
	"github.com/MixyLabs/mrouter/pkg/mrouter/node"
	"github.com/MixyLabs/mrouter/pkg/mrouter/router"
	"github.com/MixyLabs/mrouter/pkg/mrouter/topology"
	"github.com/MixyLabs/mrouter/pkg/mrouter/transport"
	"github.com/MixyLabs/mrouter/pkg/mrouter/util"
)

const (
	lockName = "mrouter"

	eventQueueSize = 64
)

// MRouter is the main entity managing all subcomponents. Everything that
// touches routing state runs on its event loop.
type MRouter struct {
	logger    *zap.SugaredLogger
	notifier  *ToastNotifier
	configMan *ConfigManager
	metrics   *metrics.Metrics

	registry *node.Registry
	topo     topology.Topology
	sw       *linkswitch.Switch
	engine   *router.Engine
	bridge   *audiomgr.Bridge

	pulse         *topology.Pulse
	discoverer    Discoverer
	transport     *transport.NATS
	natsConn      *nats.Conn
	metricsServer *http.Server

	// routing config currently applied
	groups      map[string]GroupConfig
	classGroups map[node.Type]string
	priorities  map[node.Type]int
	multiplex   bool

	events      chan func()
	quit        chan bool
	stopChannel chan bool
	version     string
	verbose     bool
	dryRun      bool
}

// Options are the command line switches of the daemon
type Options struct {
	Verbose bool

	// ConfigDir is where mrouter.yaml is looked up, the working directory
	// when empty
	ConfigDir string

	// DryRun forces the memory backend whatever the config says
	DryRun bool
}

func NewMRouter(logger *zap.SugaredLogger, opts Options) (*MRouter, error) {
	logger = logger.Named("mrouter")

	notifier, err := NewToastNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create ToastNotifier", "error", err)
		return nil, fmt.Errorf("create new ToastNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier, opts.ConfigDir)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	d := newMRouter(logger, notifier, metrics.New())
	d.configMan = config
	d.verbose = opts.Verbose
	d.dryRun = opts.DryRun

	logger.Debug("Created mrouter instance")

	return d, nil
}

func newMRouter(logger *zap.SugaredLogger, notifier *ToastNotifier, m *metrics.Metrics) *MRouter {
	return &MRouter{
		logger:      logger,
		notifier:    notifier,
		metrics:     m,
		registry:    node.NewRegistry(logger),
		groups:      make(map[string]GroupConfig),
		classGroups: make(map[node.Type]string),
		priorities:  make(map[node.Type]int),
		events:      make(chan func(), eventQueueSize),
		quit:        make(chan bool),
		stopChannel: make(chan bool),
	}
}

// Initialize sets up components and runs until interrupted
func (d *MRouter) Initialize() error {
	d.logger.Debug("Initializing")

	if err := util.CreateMutex(lockName); err != nil {
		d.logger.Errorw("Failed to take instance lock", "error", err)
		return fmt.Errorf("take instance lock: %w", err)
	}

	if err := d.configMan.Load(); err != nil {
		d.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	if err := d.setup(); err != nil {
		d.logger.Errorw("Failed to set up routing components", "error", err)
		return fmt.Errorf("set up routing components: %w", err)
	}

	d.setupInterruptHandler()
	d.run()

	return nil
}

// SetVersion records the version string logged at startup
func (d *MRouter) SetVersion(version string) {
	d.version = version
}

// Verbose returns a boolean indicating whether mrouter is running in verbose mode
func (d *MRouter) Verbose() bool {
	return d.verbose
}

func (d *MRouter) setup() error {
	cfg, policy := d.configMan.snapshot()

	d.notifier.SetEnabled(cfg.Notifications)

	if d.dryRun && cfg.Backend != backendMemory {
		d.logger.Infow("Dry run, not touching the audio server", "configuredBackend", cfg.Backend)
		cfg.Backend = backendMemory
	}

	switch cfg.Backend {
	case backendMemory:
		mem := topology.NewMemory(cfg.NullSink)
		d.wire(mem)
		d.discoverer = &memoryDiscoverer{mem: mem, nullSink: cfg.NullSink, streams: policy.streams}

	default:
		pulse, err := topology.NewPulse(d.logger, cfg.PulseServer, cfg.NullSink)
		if err != nil {
			return fmt.Errorf("connect to audio server: %w", err)
		}
		d.pulse = pulse
		d.wire(pulse)

		discoverer, err := newPulseDiscoverer(d.logger, pulse, cfg.NullSink, policy.streams)
		if err != nil {
			return fmt.Errorf("create discoverer: %w", err)
		}
		d.discoverer = discoverer
	}

	d.multiplex = cfg.MultiplexStreams
	d.applyPolicy(policy)

	if cfg.Authority.Enabled {
		if err := d.connectAuthority(cfg.Authority); err != nil {
			return err
		}
	}

	if cfg.Metrics.Listen != "" {
		d.serveMetrics(cfg.Metrics.Listen)
	}

	return nil
}

// wire builds the routing components on top of topo
func (d *MRouter) wire(topo topology.Topology) {
	d.topo = topo
	d.sw = linkswitch.New(d.logger, topo, d.registry, d.metrics)
	d.engine = router.New(d.logger, d.registry, d.sw, d.metrics)
}

func (d *MRouter) connectAuthority(cfg AuthorityConfig) error {
	conn, err := transport.Connect(d.logger, cfg.NatsURL, cfg.NodeName, cfg.RequestTimeout)
	if err != nil {
		return fmt.Errorf("connect to authority: %w", err)
	}
	d.natsConn = conn

	tr := transport.New(d.logger, conn, cfg.SubjectPrefix)
	d.attachAuthority(tr, cfg.DomainName, cfg.NodeName)
	d.transport = tr

	if err := tr.Start(d.bridge, d.post); err != nil {
		return fmt.Errorf("start authority transport: %w", err)
	}

	return nil
}

// attachAuthority puts node registration under the authority's control
func (d *MRouter) attachAuthority(tr audiomgr.Transport, domainName, nodeName string) {
	d.bridge = audiomgr.New(d.logger, d.registry, d.engine, tr, d.metrics, domainName, nodeName)
}

func (d *MRouter) serveMetrics(addr string) {
	d.metricsServer = &http.Server{
		Addr:              addr,
		Handler:           d.metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		d.logger.Infow("Serving metrics", "address", addr)
		if err := d.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Warnw("Metrics listener failed", "error", err)
		}
	}()
}

func (d *MRouter) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		d.logger.Debugw("Interrupted", "signal", signal)
		d.signalStop()
	}()
}

// post queues f to run on the event loop
func (d *MRouter) post(f func()) {
	select {
	case d.events <- f:
	case <-d.quit:
	}
}

func (d *MRouter) loop() {
	defer d.recoverFromPanic()

	for {
		select {
		case f := <-d.events:
			f()
		case <-d.quit:
			return
		}
	}
}

func (d *MRouter) run() {
	d.logger.Infow("Run loop starting", "version", d.version)

	go d.loop()
	go d.configMan.WatchConfigFileChanges()

	reloads := d.configMan.SubscribeToChanges()
	go func() {
		for {
			select {
			case <-reloads:
				d.post(d.reload)
			case <-d.quit:
				return
			}
		}
	}()

	go func() {
		updates := d.discoverer.Updates()
		for {
			select {
			case update := <-updates:
				d.post(func() { d.applyUpdate(update) })
			case <-d.quit:
				return
			}
		}
	}()

	d.post(d.bootstrap)

	// wait until gracefully stopped
	<-d.stopChannel
	d.logger.Debug("Stop channel signaled, terminating")

	if err := d.stop(); err != nil {
		d.logger.Warnw("Failed to stop mrouter", "error", err)
		os.Exit(1)
	} else {
		os.Exit(0)
	}
}

func (d *MRouter) signalStop() {
	d.logger.Debug("Signalling stop channel")
	d.stopChannel <- true
}

func (d *MRouter) stop() error {
	d.logger.Info("Stopping")

	d.configMan.StopWatchingConfigFile()

	done := make(chan error, 1)
	d.post(func() { done <- d.shutdownRouting() })
	err := <-done

	close(d.quit)

	if d.transport != nil {
		err = multierr.Append(err, d.transport.Stop())
	}
	if d.natsConn != nil {
		d.natsConn.Close()
	}
	if d.discoverer != nil {
		err = multierr.Append(err, d.discoverer.Release())
	}
	if d.pulse != nil {
		err = multierr.Append(err, d.pulse.Release())
	}
	if d.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = multierr.Append(err, d.metricsServer.Shutdown(ctx))
		cancel()
	}

	err = multierr.Append(err, util.ReleaseMutex(lockName))

	// attempt to sync on exit - this won't necessarily work but can't harm
	_ = d.logger.Sync()

	return err
}

// bootstrap adopts everything already on the audio server, then asks for
// an authority domain
func (d *MRouter) bootstrap() {
	nodes, err := d.discoverer.Nodes()
	if err != nil {
		d.logger.Warnw("Failed to enumerate audio server nodes", "error", err)
	}

	d.applyUpdate(NodeUpdate{Added: nodes})

	if d.bridge != nil {
		if err := d.bridge.RegisterDomain(); err != nil {
			d.logger.Warnw("Failed to register authority domain", "error", err)
		}
	}
}

func (d *MRouter) applyUpdate(update NodeUpdate) {
	for _, key := range update.Removed {
		d.removeNode(key)
	}
	for _, n := range update.Added {
		d.addNode(n)
	}
}

// addNode takes a freshly discovered node into the registry and hands it
// to the authority, or straight to routing when there is none
func (d *MRouter) addNode(n *node.Node) {
	if err := d.registry.Create(n); err != nil {
		d.logger.Debugw("Skip discovered node", "node", n.Key, "error", err)
		return
	}

	d.logger.Infow("Node appeared", "node", n.String(), "name", n.Name)

	if n.IsStream() {
		if d.multiplex && classify.MultiplexStream(n) {
			d.attachMultiplex(n)
		}

		// get the device ready before the stream lands on it
		if target := d.engine.MakePrerouting(n); target != nil {
			d.sw.SetupLink(nil, target, false)
		}
	}

	if d.bridge != nil {
		d.bridge.RegisterNode(n)
		return
	}

	d.engine.RegisterNode(n)
}

// removeNode undoes addNode for a node that vanished from the audio server
func (d *MRouter) removeNode(key string) {
	n := d.registry.Find(key)
	if n == nil {
		return
	}

	d.logger.Infow("Node disappeared", "node", n.String())

	if d.bridge != nil {
		d.bridge.UnregisterNode(n)
	}
	d.engine.UnregisterNode(n)
	d.registry.Destroy(key)

	if n.Mux != nil {
		if err := d.topo.UnloadMultiplex(n.Mux); err != nil {
			d.logger.Warnw("Failed to unload multiplex", "node", key, "error", err)
		}
		n.Mux = nil
	}
}

// attachMultiplex moves a stream into a fan-in element of its own so it
// can play on several outputs at once
func (d *MRouter) attachMultiplex(n *node.Node) {
	mux, err := d.topo.LoadMultiplex(muxPrefix + n.Key)
	if err != nil {
		d.logger.Warnw("Failed to load multiplex, routing the stream directly", "node", n.Key, "error", err)
		return
	}

	if err := d.topo.MoveSinkInput(n.LiveIndex, mux.SinkIndex); err != nil {
		d.logger.Warnw("Failed to move stream into multiplex", "node", n.Key, "error", err)
		_ = d.topo.UnloadMultiplex(mux)
		return
	}

	n.Mux = mux

	d.logger.Debugw("Stream multiplexed", "node", n.Key, "mux", mux.String())
}

// applyPolicy brings groups, class bindings and priorities in line with
// policy, then recomputes routing
func (d *MRouter) applyPolicy(policy *routingPolicy) {
	for typ := range d.classGroups {
		d.engine.UnbindType(typ)
	}
	d.classGroups = make(map[node.Type]string)

	wanted := make(map[string]bool, len(policy.groups))
	for _, g := range policy.groups {
		wanted[g.Name] = true
	}

	for name, current := range d.groups {
		if !wanted[name] || d.groupChanged(policy, name, current) {
			if err := d.engine.DestroyGroup(name); err != nil {
				d.logger.Warnw("Failed to destroy routing group", "group", name, "error", err)
			}
			delete(d.groups, name)
		}
	}

	for _, g := range policy.groups {
		if _, ok := d.groups[g.Name]; ok {
			continue
		}
		if err := d.engine.CreateGroup(g.Name, g.accept, g.compare); err != nil {
			d.logger.Warnw("Failed to create routing group", "group", g.Name, "error", err)
			continue
		}
		d.groups[g.Name] = g.GroupConfig
	}

	for typ, group := range policy.classGroups {
		if err := d.engine.BindTypeToGroup(typ, group); err != nil {
			d.logger.Warnw("Failed to bind class to group", "type", typ.String(), "group", group, "error", err)
			continue
		}
		d.classGroups[typ] = group
	}

	for typ := range d.priorities {
		if _, ok := policy.priorities[typ]; !ok {
			d.engine.AssignPriority(typ, 0)
		}
	}
	d.priorities = make(map[node.Type]int, len(policy.priorities))
	for typ, prio := range policy.priorities {
		d.engine.AssignPriority(typ, prio)
		d.priorities[typ] = prio
	}

	d.logger.Debugw("Applied routing policy", "groups", len(d.groups), "classes", len(d.classGroups))

	d.engine.MakeRouting()
}

func (d *MRouter) groupChanged(policy *routingPolicy, name string, current GroupConfig) bool {
	for _, g := range policy.groups {
		if g.Name == name {
			return g.GroupConfig != current
		}
	}
	return true
}

// reload runs on the event loop after the config file changed
func (d *MRouter) reload() {
	cfg, policy := d.configMan.snapshot()

	d.notifier.SetEnabled(cfg.Notifications)
	d.multiplex = cfg.MultiplexStreams
	d.applyPolicy(policy)

	d.logger.Info("Routing policy reloaded")
}

// shutdownRouting hands the domain back to the authority and removes the
// multiplex elements mrouter loaded
func (d *MRouter) shutdownRouting() error {
	var err error

	if d.bridge != nil {
		err = multierr.Append(err, d.bridge.Shutdown())
	}

	for _, n := range d.registry.Nodes() {
		if n.Mux == nil {
			continue
		}
		if uerr := d.topo.UnloadMultiplex(n.Mux); uerr != nil {
			err = multierr.Append(err, fmt.Errorf("unload multiplex of %s: %w", n.Key, uerr))
		}
		n.Mux = nil
	}

	return err
}
