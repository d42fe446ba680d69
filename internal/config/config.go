// Package config loads tool configuration from flags, GOVNA_* environment
// variables and an optional config file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/internal/vna"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "GOVNA"

// Config holds the settings shared by all tools.
type Config struct {
	Device vna.DeviceSelection
	Log    LogConfig
	SCPI   SCPIConfig
	SSH    SSHConfig
	Sim    SimConfig
	Web    WebConfig
	Store  StoreConfig
	Export ExportConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  logging.Level
	Format logging.Format
}

// SCPIConfig holds instrument transport configuration.
type SCPIConfig struct {
	// Address is host[:port]; empty means discover over mDNS.
	Address         string
	DiscoverTimeout time.Duration
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	// SweepTimeout bounds INIT; zero waits indefinitely.
	SweepTimeout time.Duration
	DialRetries  int
	PowerDbm     float64
	BandwidthHz  float64
}

// SSHConfig holds the optional SSH tunnel. The tunnel is used when Host is set.
type SSHConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	KeyPath  string
	HostKey  string
}

// SimConfig holds simulated instrument configuration.
type SimConfig struct {
	PointDelay time.Duration
	// Replay is a Touchstone file whose network the simulator reproduces.
	Replay string
}

// WebConfig holds live telemetry configuration.
type WebConfig struct {
	Addr         string
	HistoryLimit int
}

// StoreConfig holds the sweep archive configuration.
type StoreConfig struct {
	Path        string
	Compression int
}

// ExportConfig holds Touchstone export configuration.
type ExportConfig struct {
	Dir      string
	Compress bool
	Format   string
	Minio    MinioConfig
}

// MinioConfig holds object storage configuration.
type MinioConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Prefix    string
}

// Loader binds a flag set to viper. Tools add their own flags through
// Flags before calling Load and read them back through Viper.
type Loader struct {
	v  *viper.Viper
	fs *pflag.FlagSet
}

// NewLoader registers the shared flags on a new flag set.
func NewLoader(name string) *Loader {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "Config file (yaml, json or toml)")
	fs.String("device", "auto", "Instrument selection (auto|real|simulated)")
	fs.String("log-level", "info", "Log level (debug|info|warn|error)")
	fs.String("log-format", "text", "Log format (text|json)")

	fs.String("scpi-addr", "", "SCPI server host[:port]; empty discovers over mDNS")
	fs.Duration("discover-timeout", 3*time.Second, "mDNS discovery time")
	fs.Duration("dial-timeout", 5*time.Second, "Connect timeout")
	fs.Duration("read-timeout", 5*time.Second, "Per-query response timeout")
	fs.Duration("sweep-timeout", 0, "INIT completion timeout (0 waits indefinitely)")
	fs.Int("dial-retries", 3, "Connect attempts after the first")
	fs.Float64("power", -10, "Source power level in dBm")
	fs.Float64("bandwidth", 1000, "IF bandwidth in Hz")

	fs.String("ssh-host", "", "Tunnel SCPI through this SSH host")
	fs.Int("ssh-port", 22, "SSH port")
	fs.String("ssh-user", "root", "SSH user")
	fs.String("ssh-password", "", "SSH password")
	fs.String("ssh-key", "", "SSH private key file")
	fs.String("ssh-host-key", "", "Expected SSH host key (authorized_keys format)")

	fs.Duration("sim-point-delay", 0, "Simulated per-point acquisition time")
	fs.String("sim-replay", "", "Touchstone file replayed by the simulated device")

	fs.String("web-addr", "", "Live telemetry listen address (e.g. :8080)")
	fs.Int("history-limit", 2048, "Samples kept in telemetry history")

	fs.String("store", "", "Sweep archive directory")
	fs.Int("store-compression", 2, "Archive zstd level 1 (fastest) to 4 (best)")

	fs.String("export-dir", "", "Write Touchstone exports to this directory")
	fs.Bool("export-compress", false, "zstd compress exported files")
	fs.String("export-format", "ri", "Touchstone data format (ri|db|ma)")
	fs.String("minio-endpoint", "", "Upload exports to this MinIO/S3 endpoint")
	fs.String("minio-bucket", "govna", "Export bucket")
	fs.String("minio-access-key", "", "Object storage access key")
	fs.String("minio-secret-key", "", "Object storage secret key")
	fs.Bool("minio-ssl", false, "Use TLS for object storage")
	fs.String("minio-prefix", "", "Object name prefix")

	return &Loader{v: viper.New(), fs: fs}
}

// Flags returns the flag set for tool specific flags.
func (l *Loader) Flags() *pflag.FlagSet { return l.fs }

// Viper returns the underlying viper instance.
func (l *Loader) Viper() *viper.Viper { return l.v }

// Load parses args, reads the optional config file and returns the
// validated shared configuration.
func (l *Loader) Load(args []string) (Config, error) {
	if err := l.fs.Parse(args); err != nil {
		return Config{}, err
	}
	v := l.v
	if err := v.BindPFlags(l.fs); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return build(v)
}

func build(v *viper.Viper) (Config, error) {
	var cfg Config
	var errs []error
	var err error

	if cfg.Device, err = vna.ParseDeviceSelection(v.GetString("device")); err != nil {
		errs = append(errs, err)
	}
	if cfg.Log.Level, err = logging.ParseLevel(v.GetString("log-level")); err != nil {
		errs = append(errs, err)
	}
	if cfg.Log.Format, err = logging.ParseFormat(v.GetString("log-format")); err != nil {
		errs = append(errs, err)
	}

	cfg.SCPI = SCPIConfig{
		Address:         v.GetString("scpi-addr"),
		DiscoverTimeout: v.GetDuration("discover-timeout"),
		DialTimeout:     v.GetDuration("dial-timeout"),
		ReadTimeout:     v.GetDuration("read-timeout"),
		SweepTimeout:    v.GetDuration("sweep-timeout"),
		DialRetries:     v.GetInt("dial-retries"),
		PowerDbm:        v.GetFloat64("power"),
		BandwidthHz:     v.GetFloat64("bandwidth"),
	}
	cfg.SSH = SSHConfig{
		Host:     v.GetString("ssh-host"),
		Port:     v.GetInt("ssh-port"),
		User:     v.GetString("ssh-user"),
		Password: v.GetString("ssh-password"),
		KeyPath:  v.GetString("ssh-key"),
		HostKey:  v.GetString("ssh-host-key"),
	}
	cfg.Sim = SimConfig{
		PointDelay: v.GetDuration("sim-point-delay"),
		Replay:     v.GetString("sim-replay"),
	}
	cfg.Web = WebConfig{
		Addr:         v.GetString("web-addr"),
		HistoryLimit: v.GetInt("history-limit"),
	}
	cfg.Store = StoreConfig{
		Path:        v.GetString("store"),
		Compression: v.GetInt("store-compression"),
	}
	cfg.Export = ExportConfig{
		Dir:      v.GetString("export-dir"),
		Compress: v.GetBool("export-compress"),
		Format:   v.GetString("export-format"),
		Minio: MinioConfig{
			Endpoint:  v.GetString("minio-endpoint"),
			Bucket:    v.GetString("minio-bucket"),
			AccessKey: v.GetString("minio-access-key"),
			SecretKey: v.GetString("minio-secret-key"),
			UseSSL:    v.GetBool("minio-ssl"),
			Prefix:    v.GetString("minio-prefix"),
		},
	}

	errs = append(errs, cfg.validate()...)
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return cfg, nil
}

func (c Config) validate() []error {
	var errs []error
	for name, d := range map[string]time.Duration{
		"discover-timeout": c.SCPI.DiscoverTimeout,
		"dial-timeout":     c.SCPI.DialTimeout,
		"read-timeout":     c.SCPI.ReadTimeout,
		"sweep-timeout":    c.SCPI.SweepTimeout,
		"sim-point-delay":  c.Sim.PointDelay,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.SCPI.DialRetries < 0 {
		errs = append(errs, errors.New("dial-retries must not be negative"))
	}
	if c.SCPI.BandwidthHz <= 0 {
		errs = append(errs, errors.New("bandwidth must be positive"))
	}
	if c.SSH.Host != "" && (c.SSH.Port <= 0 || c.SSH.Port > 65535) {
		errs = append(errs, fmt.Errorf("ssh-port %d out of range", c.SSH.Port))
	}
	if c.Web.HistoryLimit <= 0 {
		errs = append(errs, errors.New("history-limit must be positive"))
	}
	if c.Store.Compression < 1 || c.Store.Compression > 4 {
		errs = append(errs, fmt.Errorf("store-compression %d must be between 1 and 4", c.Store.Compression))
	}
	if c.Export.Minio.Endpoint != "" && c.Export.Minio.Bucket == "" {
		errs = append(errs, errors.New("minio-bucket is required with minio-endpoint"))
	}
	return errs
}
