package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides, e.g.
	// ZEEK_BENCHMARKER_GLOBAL_LOG_LEVEL=debug.
	EnvPrefix = "ZEEK_BENCHMARKER"

	// EnvConfigFile names the config file when --config is not given.
	EnvConfigFile = "ZEEK_BENCHMARKER_CONFIG"

	// EnvSpoolVolume is the deployment variable naming the volume that
	// backs the work directory when running inside a compose setup.
	EnvSpoolVolume = "SPOOL_VOLUME"

	// DefaultConfigFile is used when neither --config nor EnvConfigFile is set.
	DefaultConfigFile = "config.yml"
)

// Defaults for unspecified configuration options.
const (
	DefaultLogLevel        = "info"
	DefaultWorkDir         = "./spool"
	DefaultRuntime         = "docker"
	DefaultListen          = ":8080"
	DefaultHMACWindow      = 15 * time.Minute
	DefaultDatabaseDriver  = "sqlite"
	DefaultSQLitePath      = "./benchmarks.db"
	DefaultQueueBackend    = "database"
	DefaultQueueName       = "default"
	DefaultJobTimeout      = 1800 * time.Second
	DefaultPollInterval    = 2 * time.Second
	DefaultConcurrency     = 1
	DefaultConnectTimeout  = 10 * time.Second
	DefaultReadTimeout     = 300 * time.Second
	DefaultUnpackImage     = "ubuntu:22.04"
	DefaultStripComponents = 2
	DefaultTarTimeout      = 30 * time.Second
	DefaultSeccompProfile  = "./zeek-seccomp.json"
	DefaultInstallTarget   = "/zeek/install"
	DefaultTestRuns        = 3

	DefaultZeekImage         = "zeek-benchmarker-zeek-runner"
	DefaultZeekCommand       = "/benchmarker/scripts/run-zeek.sh"
	DefaultZeekInstallVolume = "zeek_install_data"

	DefaultBrokerImage         = "zeek-benchmarker-broker-runner"
	DefaultBrokerCommand       = "/benchmarker/scripts/run-broker.sh"
	DefaultBrokerInstallVolume = "broker_install_data"
)

// Config is the root configuration for zeek-benchmarker.
type Config struct {
	Global    GlobalConfig    `yaml:"global" mapstructure:"global"`
	API       APIConfig       `yaml:"api" mapstructure:"api"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Queue     QueueConfig     `yaml:"queue" mapstructure:"queue"`
	Worker    WorkerConfig    `yaml:"worker" mapstructure:"worker"`
	Fetch     FetchConfig     `yaml:"fetch" mapstructure:"fetch"`
	Container ContainerConfig `yaml:"container" mapstructure:"container"`
	Zeek      JobKindConfig   `yaml:"zeek" mapstructure:"zeek"`
	Broker    JobKindConfig   `yaml:"broker" mapstructure:"broker"`
	Upload    UploadConfig    `yaml:"upload,omitempty" mapstructure:"upload"`
	Metrics   MetricsConfig   `yaml:"metrics,omitempty" mapstructure:"metrics"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
	// WorkDir holds one sub-directory per job.
	WorkDir string `yaml:"work_dir" mapstructure:"work_dir"`
	// DirOwner optionally chowns job directories ("UID:GID").
	DirOwner string `yaml:"dir_owner,omitempty" mapstructure:"dir_owner"`
	// Runtime selects the container engine: docker or podman.
	Runtime string `yaml:"runtime" mapstructure:"runtime"`
}

// WorkerConfig configures the worker pool.
type WorkerConfig struct {
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
}

// FetchConfig configures artifact downloads.
type FetchConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
}

// ContainerConfig contains settings shared by all benchmark containers.
type ContainerConfig struct {
	UnpackImage     string        `yaml:"unpack_image" mapstructure:"unpack_image"`
	StripComponents int           `yaml:"strip_components" mapstructure:"strip_components"`
	TarTimeout      time.Duration `yaml:"tar_timeout" mapstructure:"tar_timeout"`
	SpoolVolume     string        `yaml:"spool_volume,omitempty" mapstructure:"spool_volume"`
	SeccompProfile  string        `yaml:"seccomp_profile" mapstructure:"seccomp_profile"`
	CPUSet          []int         `yaml:"cpu_set,omitempty" mapstructure:"cpu_set"`
	MemoryLimit     string        `yaml:"memory_limit,omitempty" mapstructure:"memory_limit"`
	CapAdd          []string      `yaml:"cap_add,omitempty" mapstructure:"cap_add"`
	TestDataVolume  string        `yaml:"test_data_volume,omitempty" mapstructure:"test_data_volume"`
	// Network is only used for containers that run with networking enabled.
	Network string `yaml:"network,omitempty" mapstructure:"network"`
}

// JobKindConfig contains the settings of one job kind (zeek or broker).
type JobKindConfig struct {
	Image         string            `yaml:"image" mapstructure:"image"`
	Command       string            `yaml:"command" mapstructure:"command"`
	InstallVolume string            `yaml:"install_volume" mapstructure:"install_volume"`
	InstallTarget string            `yaml:"install_target" mapstructure:"install_target"`
	Env           map[string]string `yaml:"env,omitempty" mapstructure:"env"`
	Tests         []TestSpec        `yaml:"tests" mapstructure:"tests"`
}

// TestSpec describes one benchmark variant run by a job.
type TestSpec struct {
	ID           string `yaml:"id" mapstructure:"id"`
	Runs         int    `yaml:"runs" mapstructure:"runs"`
	BenchCommand string `yaml:"bench_command,omitempty" mapstructure:"bench_command"`
	BenchArgs    string `yaml:"bench_args,omitempty" mapstructure:"bench_args"`
	PcapFile     string `yaml:"pcap_file,omitempty" mapstructure:"pcap_file"`
	Skip         bool   `yaml:"skip,omitempty" mapstructure:"skip"`
}

// Load reads the configuration file at path, applies environment overrides
// and defaults. An empty path falls back to EnvConfigFile and then
// DefaultConfigFile.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}

	if path == "" {
		path = DefaultConfigFile
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// AutomaticEnv only resolves keys viper already knows about, so bind
	// every leaf key to allow overriding options absent from the file.
	if err := bindEnvKeys(v, reflect.TypeOf(Config{}), ""); err != nil {
		return nil, fmt.Errorf("binding env keys: %w", err)
	}

	if spool := os.Getenv(EnvSpoolVolume); spool != "" && !v.IsSet("container.spool_volume") {
		v.Set("container.spool_volume", spool)
	}

	var cfg Config
	if err := decode(v.AllSettings(), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// decode maps viper settings onto out using the mapstructure tags.
func decode(input map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("creating decoder: %w", err)
	}

	return dec.Decode(input)
}

// bindEnvKeys walks the struct type and binds each scalar or slice leaf
// to its environment variable. Maps and slices of structs are skipped.
func bindEnvKeys(v *viper.Viper, t reflect.Type, prefix string) error {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		tag := strings.Split(field.Tag.Get("mapstructure"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}

		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		switch field.Type.Kind() {
		case reflect.Struct:
			if field.Type != reflect.TypeOf(time.Duration(0)) {
				if err := bindEnvKeys(v, field.Type, key); err != nil {
					return err
				}

				continue
			}
		case reflect.Map:
			continue
		case reflect.Slice:
			if field.Type.Elem().Kind() == reflect.Struct {
				continue
			}
		}

		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("binding %s: %w", key, err)
		}
	}

	return nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Global.WorkDir == "" {
		c.Global.WorkDir = DefaultWorkDir
	}

	if c.Global.Runtime == "" {
		c.Global.Runtime = DefaultRuntime
	}

	c.API.applyDefaults()

	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Queue.Backend == "" {
		c.Queue.Backend = DefaultQueueBackend
	}

	if c.Queue.Name == "" {
		c.Queue.Name = DefaultQueueName
	}

	if c.Queue.JobTimeout == 0 {
		c.Queue.JobTimeout = DefaultJobTimeout
	}

	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = DefaultPollInterval
	}

	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = DefaultConcurrency
	}

	if c.Fetch.ConnectTimeout == 0 {
		c.Fetch.ConnectTimeout = DefaultConnectTimeout
	}

	if c.Fetch.ReadTimeout == 0 {
		c.Fetch.ReadTimeout = DefaultReadTimeout
	}

	if c.Container.UnpackImage == "" {
		c.Container.UnpackImage = DefaultUnpackImage
	}

	if c.Container.StripComponents == 0 {
		c.Container.StripComponents = DefaultStripComponents
	}

	if c.Container.TarTimeout == 0 {
		c.Container.TarTimeout = DefaultTarTimeout
	}

	if c.Container.SeccompProfile == "" {
		c.Container.SeccompProfile = DefaultSeccompProfile
	}

	c.Zeek.applyDefaults(DefaultZeekImage, DefaultZeekCommand, DefaultZeekInstallVolume)
	c.Broker.applyDefaults(DefaultBrokerImage, DefaultBrokerCommand, DefaultBrokerInstallVolume)
}

func (k *JobKindConfig) applyDefaults(image, command, volume string) {
	if k.Image == "" {
		k.Image = image
	}

	if k.Command == "" {
		k.Command = command
	}

	if k.InstallVolume == "" {
		k.InstallVolume = volume
	}

	if k.InstallTarget == "" {
		k.InstallTarget = DefaultInstallTarget
	}

	for i := range k.Tests {
		if k.Tests[i].Runs == 0 {
			k.Tests[i].Runs = DefaultTestRuns
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Global.LogLevel); err != nil {
		return fmt.Errorf("global.log_level: %w", err)
	}

	if c.Global.WorkDir == "" {
		return fmt.Errorf("global.work_dir is required")
	}

	switch c.Global.Runtime {
	case "docker", "podman":
	default:
		return fmt.Errorf("global.runtime: unsupported runtime %q", c.Global.Runtime)
	}

	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1")
	}

	if c.Container.StripComponents < 0 {
		return fmt.Errorf("container.strip_components must not be negative")
	}

	for _, cpu := range c.Container.CPUSet {
		if cpu < 0 {
			return fmt.Errorf("container.cpu_set: invalid cpu %d", cpu)
		}
	}

	if _, err := c.Container.MemoryBytes(); err != nil {
		return fmt.Errorf("container.memory_limit: %w", err)
	}

	if err := validateTests("zeek", c.Zeek.Tests); err != nil {
		return err
	}

	if err := validateTests("broker", c.Broker.Tests); err != nil {
		return err
	}

	if err := c.Upload.Validate(); err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	return nil
}

func validateTests(kind string, tests []TestSpec) error {
	seenIDs := make(map[string]struct{}, len(tests))

	for i, t := range tests {
		if t.ID == "" {
			return fmt.Errorf("%s.tests[%d]: id is required", kind, i)
		}

		if _, exists := seenIDs[t.ID]; exists {
			return fmt.Errorf("%s.tests[%d]: duplicate id %q", kind, i, t.ID)
		}

		seenIDs[t.ID] = struct{}{}

		if !t.Skip && t.Runs < 1 {
			return fmt.Errorf("%s test %q: runs must be at least 1", kind, t.ID)
		}
	}

	return nil
}

// MemoryBytes parses MemoryLimit ("4g", "512m"). Zero means unlimited.
func (c *ContainerConfig) MemoryBytes() (int64, error) {
	if c.MemoryLimit == "" {
		return 0, nil
	}

	return units.RAMInBytes(c.MemoryLimit)
}

// CPUSetString renders CPUSet as a comma-separated list ("0,1,2").
func (c *ContainerConfig) CPUSetString() string {
	cpus := make([]string, 0, len(c.CPUSet))
	for _, cpu := range c.CPUSet {
		cpus = append(cpus, fmt.Sprintf("%d", cpu))
	}

	return strings.Join(cpus, ",")
}
