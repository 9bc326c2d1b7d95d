package mrouter

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/MixyLabs/mrouter/pkg/mrouter/classify"
	rerr "github.com/MixyLabs/mrouter/pkg/mrouter/errors"
	"github.com/MixyLabs/mrouter/pkg/mrouter/node"
	"github.com/MixyLabs/mrouter/pkg/mrouter/router"
	"github.com/MixyLabs/mrouter/pkg/mrouter/util"
)

type ConfigManager struct {
	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	reloadConsumers []chan bool

	userConfig *viper.Viper
	path       string

	// the watcher writes, the event loop reads
	lock    sync.RWMutex
	current Config
	policy  *routingPolicy
}

type Config struct {
	Backend          string `mapstructure:"backend"`
	PulseServer      string `mapstructure:"pulse_server"`
	NullSink         string `mapstructure:"null_sink"`
	MultiplexStreams bool   `mapstructure:"multiplex_streams"`

	Groups      []GroupConfig     `mapstructure:"groups"`
	ClassGroups map[string]string `mapstructure:"class_groups"`
	Priorities  map[string]int    `mapstructure:"priorities"`

	StreamRoles    map[string]string `mapstructure:"stream_roles"`
	StreamBinaries map[string]string `mapstructure:"stream_binaries"`

	Authority AuthorityConfig `mapstructure:"authority"`

	Metrics struct {
		Listen string `mapstructure:"listen"`
	} `mapstructure:"metrics"`

	Notifications bool `mapstructure:"notifications"`
}

type GroupConfig struct {
	Name    string `mapstructure:"name"`
	Accept  string `mapstructure:"accept"`
	Compare string `mapstructure:"compare"`
}

type AuthorityConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	NatsURL        string        `mapstructure:"nats_url"`
	SubjectPrefix  string        `mapstructure:"subject_prefix"`
	DomainName     string        `mapstructure:"domain_name"`
	NodeName       string        `mapstructure:"node_name"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

const (
	backendPulse  = "pulse"
	backendMemory = "memory"

	userConfigFilepath = "mrouter.yaml"
	userConfigName     = "mrouter"
	userConfigPath     = "."

	configType = "yaml"

	configKeyBackend          = "backend"
	configKeyNullSink         = "null_sink"
	configKeyNotifications    = "notifications"
	configKeyAuthorityURL     = "authority.nats_url"
	configKeyAuthorityPrefix  = "authority.subject_prefix"
	configKeyAuthorityDomain  = "authority.domain_name"
	configKeyAuthorityNode    = "authority.node_name"
	configKeyAuthorityTimeout = "authority.request_timeout"
)

// routingPolicy is the routing part of the config with every name resolved
type routingPolicy struct {
	groups      []groupDef
	classGroups map[node.Type]string
	priorities  map[node.Type]int
	streams     classify.StreamTypes
}

type groupDef struct {
	GroupConfig

	accept  router.AcceptFunc
	compare router.CompareFunc
}

// NewConfig prepares a config manager for the mrouter.yaml in dir
func NewConfig(logger *zap.SugaredLogger, notifier Notifier, dir string) (*ConfigManager, error) {
	logger = logger.Named("config")

	if dir == "" {
		dir = userConfigPath
	}

	cc := &ConfigManager{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
		path:               filepath.Join(dir, userConfigFilepath),
	}

	userConfig := viper.New()
	userConfig.SetConfigName(userConfigName)
	userConfig.SetConfigType(configType)
	userConfig.AddConfigPath(dir)

	userConfig.SetDefault(configKeyBackend, backendPulse)
	userConfig.SetDefault(configKeyNullSink, "null")
	userConfig.SetDefault(configKeyNotifications, true)
	userConfig.SetDefault(configKeyAuthorityURL, "nats://127.0.0.1:4222")
	userConfig.SetDefault(configKeyAuthorityPrefix, "audiomgr")
	userConfig.SetDefault(configKeyAuthorityDomain, "PULSE")
	userConfig.SetDefault(configKeyAuthorityNode, "pulsePlugin")
	userConfig.SetDefault(configKeyAuthorityTimeout, 5*time.Second)

	cc.userConfig = userConfig

	logger.Debug("Created config instance")

	return cc, nil
}

func (cc *ConfigManager) Load() error {
	cc.logger.Debugw("Loading config", "path", cc.path)

	if !util.FileExists(cc.path) {
		cc.logger.Warnw("Config file not found", "path", cc.path)
		cc.notifier.Notify("Can't find configuration!",
			fmt.Sprintf("%s must be in the working directory of mrouter. Please re-launch", userConfigFilepath))

		return fmt.Errorf("config file doesn't exist: %s", cc.path)
	}

	if err := cc.userConfig.ReadInConfig(); err != nil {
		cc.logger.Warnw("Viper failed to read user config", "error", err)

		if strings.Contains(err.Error(), "yaml:") {
			cc.notifier.Notify("Invalid configuration!",
				fmt.Sprintf("Please make sure %s is in a valid YAML format.", userConfigFilepath))
		} else {
			cc.notifier.Notify("Error loading configuration!", "Please check mrouter's logs for more details.")
		}

		return fmt.Errorf("read user config: %w", err)
	}

	if err := cc.populateFromViper(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		cc.notifier.Notify("Invalid configuration!", err.Error())
		return fmt.Errorf("populate config fields: %w", err)
	}

	current, _ := cc.snapshot()

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"backend", current.Backend,
		"groups", len(current.Groups),
		"authority", current.Authority.Enabled,
		"multiplexStreams", current.MultiplexStreams)

	return nil
}

// snapshot returns the last successfully loaded config
func (cc *ConfigManager) snapshot() (Config, *routingPolicy) {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	return cc.current, cc.policy
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *ConfigManager) SubscribeToChanges() chan bool {
	c := make(chan bool)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *ConfigManager) WatchConfigFileChanges() {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", cc.path)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if event.Op&fsnotify.Write != fsnotify.Write {
			return
		}

		now := time.Now()

		// editors like to write twice
		if !lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {
			return
		}

		cc.logger.Debugw("Config file modified, attempting reload", "event", event)

		// let the editor flush the file
		<-time.After(delayBetweenEventAndReload)

		if err := cc.Load(); err != nil {
			cc.logger.Warnw("Failed to reload config file", "error", err)
		} else {
			cc.logger.Info("Reloaded config successfully")
			cc.notifier.Notify("Configuration reloaded!", "Routing has been recomputed.")

			cc.onConfigReloaded()
		}

		lastAttemptedReload = now
	})

	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *ConfigManager) StopWatchingConfigFile() {
	cc.stopWatcherChannel <- true
}

func (cc *ConfigManager) populateFromViper() error {
	var next Config

	err := cc.userConfig.Unmarshal(&next, func(dConf *mapstructure.DecoderConfig) {
		dConf.WeaklyTypedInput = false
		dConf.ErrorUnused = true
	})
	if err != nil {
		return err
	}

	policy, err := next.routingPolicy()
	if err != nil {
		return err
	}

	cc.lock.Lock()
	cc.current = next
	cc.policy = policy
	cc.lock.Unlock()

	cc.logger.Debug("Populated config fields from viper")

	return nil
}

func (cc *ConfigManager) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	for _, consumer := range cc.reloadConsumers {
		consumer <- true
	}
}

// routingPolicy validates the routing keys and resolves every type and
// policy name they use
func (c *Config) routingPolicy() (*routingPolicy, error) {
	if !funk.ContainsString([]string{backendPulse, backendMemory}, c.Backend) {
		return nil, fmt.Errorf("backend %q: %w", c.Backend, rerr.ErrInvalidArgument)
	}

	p := &routingPolicy{
		classGroups: make(map[node.Type]string, len(c.ClassGroups)),
		priorities:  make(map[node.Type]int, len(c.Priorities)),
		streams: classify.StreamTypes{
			Binaries: make(map[string]node.Type, len(c.StreamBinaries)),
			Roles:    make(map[string]node.Type, len(c.StreamRoles)),
		},
	}

	names := funk.Map(c.Groups, func(g GroupConfig) string { return g.Name }).([]string)
	if len(funk.UniqString(names)) != len(names) {
		return nil, fmt.Errorf("groups: %w", rerr.ErrDuplicateGroup)
	}

	for _, g := range c.Groups {
		if g.Name == "" {
			return nil, fmt.Errorf("group without a name: %w", rerr.ErrInvalidArgument)
		}

		accept, err := router.ParseAccept(g.Accept)
		if err != nil {
			return nil, fmt.Errorf("group %q: %w", g.Name, err)
		}
		compare, err := router.ParseCompare(g.Compare)
		if err != nil {
			return nil, fmt.Errorf("group %q: %w", g.Name, err)
		}

		p.groups = append(p.groups, groupDef{GroupConfig: g, accept: accept, compare: compare})
	}

	for typeName, group := range c.ClassGroups {
		typ, err := parseType(typeName)
		if err != nil {
			return nil, fmt.Errorf("class_groups: %w", err)
		}
		if !funk.ContainsString(names, group) {
			return nil, fmt.Errorf("class_groups: group %q: %w", group, rerr.ErrNotFound)
		}
		p.classGroups[typ] = group
	}

	for typeName, prio := range c.Priorities {
		typ, err := parseType(typeName)
		if err != nil {
			return nil, fmt.Errorf("priorities: %w", err)
		}
		p.priorities[typ] = prio
	}

	for role, typeName := range c.StreamRoles {
		typ, err := parseType(typeName)
		if err != nil {
			return nil, fmt.Errorf("stream_roles: %w", err)
		}
		p.streams.Roles[role] = typ
	}

	for binary, typeName := range c.StreamBinaries {
		typ, err := parseType(typeName)
		if err != nil {
			return nil, fmt.Errorf("stream_binaries: %w", err)
		}
		p.streams.Binaries[binary] = typ
	}

	return p, nil
}

func parseType(name string) (node.Type, error) {
	typ, ok := node.ParseType(name)
	if !ok {
		return node.TypeUnknown, fmt.Errorf("unknown node type %q: %w", name, rerr.ErrInvalidArgument)
	}
	return typ, nil
}
