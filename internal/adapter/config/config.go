// Package config provides configuration management for the energy monitor.
// It supports environment variables, config files (YAML/JSON), command-line
// flags and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nexus-edge/energy-monitor/internal/domain"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all configuration for the energy monitor.
type Config struct {
	// Environment is the deployment environment (development, staging, production)
	Environment string `mapstructure:"environment"`

	// Serial link to the metrology IC
	Serial SerialConfig `mapstructure:"serial"`

	// Link circuit breaker
	Link LinkConfig `mapstructure:"link"`

	// Meter register interface
	Meter MeterConfig `mapstructure:"meter"`

	// Reference analyzer connection
	Analyzer AnalyzerConfig `mapstructure:"analyzer"`

	// Calibration sequence
	Calibration CalibrationConfig `mapstructure:"calibration"`

	// Continuous measurement
	Monitor MonitorConfig `mapstructure:"monitor"`

	// MQTT configuration
	MQTT MQTTConfig `mapstructure:"mqtt"`

	// HTTP server configuration
	HTTP HTTPConfig `mapstructure:"http"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// SerialConfig holds serial port and engine timing configuration.
type SerialConfig struct {
	Port            string        `mapstructure:"port"`
	BaudRate        int           `mapstructure:"baud_rate"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	InterByteDelay  time.Duration `mapstructure:"inter_byte_delay"`
	ServiceInterval time.Duration `mapstructure:"service_interval"`
	WatchdogTicks   int           `mapstructure:"watchdog_ticks"`
	// QueueSize bounds work posted to the scheduler loop
	QueueSize int `mapstructure:"queue_size"`
	// ResetPin is the GPIO driving the active-low IC reset line; empty disables hardware reset
	ResetPin  string        `mapstructure:"reset_pin"`
	ResetHold time.Duration `mapstructure:"reset_hold"`
}

// LinkConfig holds the serial link circuit breaker configuration.
type LinkConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

// MeterConfig holds register interface configuration.
type MeterConfig struct {
	// SettleDelay is the wait after a factory reset before the IC is reset
	SettleDelay   time.Duration `mapstructure:"settle_delay"`
	BeepFrequency int           `mapstructure:"beep_frequency"`
	BeepDuty      int           `mapstructure:"beep_duty"`
}

// AnalyzerConfig holds reference analyzer configuration.
type AnalyzerConfig struct {
	Port         int           `mapstructure:"port"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	SettleDelay  time.Duration `mapstructure:"settle_delay"`
}

// CalibrationConfig holds calibration configuration.
type CalibrationConfig struct {
	// Analyzer starts a calibration run against this address once the meter is initialised
	Analyzer             string        `mapstructure:"analyzer"`
	Reactive             bool          `mapstructure:"reactive"`
	ConfirmToken         string        `mapstructure:"confirm_token"`
	SettleDelay          time.Duration `mapstructure:"settle_delay"`
	MeasureDelay         time.Duration `mapstructure:"measure_delay"`
	AccumulationInterval uint16        `mapstructure:"accumulation_interval"`
	StepTimeout          time.Duration `mapstructure:"step_timeout"`
}

// MonitorConfig holds continuous measurement configuration.
type MonitorConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	StallTimeout time.Duration `mapstructure:"stall_timeout"`
}

// MQTTConfig holds MQTT client configuration.
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	CleanSession   bool          `mapstructure:"clean_session"`
	QoS            byte          `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	TLSEnabled     bool          `mapstructure:"tls_enabled"`
	TLSCertFile    string        `mapstructure:"tls_cert_file"`
	TLSKeyFile     string        `mapstructure:"tls_key_file"`
	TLSCAFile      string        `mapstructure:"tls_ca_file"`
	BufferSize     int           `mapstructure:"buffer_size"`
	Commands       bool          `mapstructure:"commands"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or console
	Output     string `mapstructure:"output"` // stdout, stderr, or file path
	TimeFormat string `mapstructure:"time_format"`
}

// flagKeys maps command-line flags onto config keys.
var flagKeys = map[string]string{
	"calibrate":   "calibration.analyzer",
	"reactive":    "calibration.reactive",
	"serial-port": "serial.port",
	"log-level":   "logging.level",
}

// Load loads configuration from files, environment variables and flags.
// flags may be nil. A "config" flag, when set, names the config file.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	configFile := ""
	if flags != nil {
		if f := flags.Lookup("config"); f != nil {
			configFile = f.Value.String()
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/energy-monitor")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found, will use defaults and env vars
	}

	v.SetEnvPrefix("EM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVars(v)

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Environment
	v.SetDefault("environment", "development")

	// Serial
	v.SetDefault("serial.port", "/dev/ttyS3")
	v.SetDefault("serial.baud_rate", 115200)
	v.SetDefault("serial.read_timeout", 0)
	v.SetDefault("serial.inter_byte_delay", 2*time.Millisecond)
	v.SetDefault("serial.service_interval", 50*time.Millisecond)
	v.SetDefault("serial.watchdog_ticks", 10)
	v.SetDefault("serial.queue_size", 64)
	v.SetDefault("serial.reset_pin", "")
	v.SetDefault("serial.reset_hold", 1*time.Second)

	// Link circuit breaker
	v.SetDefault("link.failure_threshold", 20)
	v.SetDefault("link.open_timeout", 5*time.Second)

	// Meter
	v.SetDefault("meter.settle_delay", 1*time.Second)
	v.SetDefault("meter.beep_frequency", 4000)
	v.SetDefault("meter.beep_duty", 248)

	// Analyzer
	v.SetDefault("analyzer.port", 5025)
	v.SetDefault("analyzer.dial_timeout", 5*time.Second)
	v.SetDefault("analyzer.write_timeout", 2*time.Second)
	v.SetDefault("analyzer.settle_delay", 1*time.Second)

	// Calibration
	v.SetDefault("calibration.analyzer", "")
	v.SetDefault("calibration.reactive", false)
	v.SetDefault("calibration.confirm_token", "y")
	v.SetDefault("calibration.settle_delay", 1*time.Second)
	v.SetDefault("calibration.measure_delay", 1*time.Second)
	v.SetDefault("calibration.accumulation_interval", 7)
	v.SetDefault("calibration.step_timeout", 30*time.Second)

	// Monitor
	v.SetDefault("monitor.interval", 1*time.Second)
	v.SetDefault("monitor.stall_timeout", 5*time.Second)

	// MQTT
	v.SetDefault("mqtt.enabled", true)
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "energy-monitor")
	v.SetDefault("mqtt.topic_prefix", "energy-monitor")
	v.SetDefault("mqtt.clean_session", true)
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.reconnect_delay", 5*time.Second)
	v.SetDefault("mqtt.publish_timeout", 5*time.Second)
	v.SetDefault("mqtt.buffer_size", 1000)
	v.SetDefault("mqtt.commands", true)

	// HTTP
	v.SetDefault("http.enabled", true)
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.time_format", time.RFC3339)
}

// bindEnvVars binds environment variables to config keys.
func bindEnvVars(v *viper.Viper) {
	// MQTT environment variables
	_ = v.BindEnv("mqtt.broker_url", "MQTT_BROKER_URL")
	_ = v.BindEnv("mqtt.username", "MQTT_USERNAME")
	_ = v.BindEnv("mqtt.password", "MQTT_PASSWORD")
	_ = v.BindEnv("mqtt.client_id", "MQTT_CLIENT_ID")

	// General environment variables
	_ = v.BindEnv("environment", "ENVIRONMENT")

	// Serial
	_ = v.BindEnv("serial.port", "SERIAL_PORT")

	// HTTP
	_ = v.BindEnv("http.port", "HTTP_PORT")

	// Logging
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
}

// bindFlags binds the command-line flags that override config keys. Only
// flags that were set on the command line take precedence.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("error binding flag %s: %w", name, err)
		}
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Serial.Port == "" {
		errs = append(errs, errors.New("serial port is required"))
	}
	if c.Serial.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("invalid baud rate: %d", c.Serial.BaudRate))
	}
	if c.Serial.ServiceInterval <= 0 {
		errs = append(errs, errors.New("serial service interval must be positive"))
	}
	if c.Serial.ReadTimeout < 0 || (c.Serial.ServiceInterval > 0 && c.Serial.ReadTimeout >= c.Serial.ServiceInterval) {
		errs = append(errs, fmt.Errorf("serial read timeout must be below the service interval: %s", c.Serial.ReadTimeout))
	}
	if c.Serial.WatchdogTicks <= 0 {
		errs = append(errs, errors.New("serial watchdog ticks must be positive"))
	}
	if c.Link.FailureThreshold == 0 {
		errs = append(errs, errors.New("link failure threshold must be positive"))
	}
	if c.Meter.BeepFrequency <= 0 || c.Meter.BeepDuty < 0 || c.Meter.BeepDuty > 255 {
		errs = append(errs, fmt.Errorf("invalid beep settings: %d Hz duty %d", c.Meter.BeepFrequency, c.Meter.BeepDuty))
	}
	if c.Analyzer.Port <= 0 || c.Analyzer.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid analyzer port: %d", c.Analyzer.Port))
	}
	if strings.TrimSpace(c.Calibration.ConfirmToken) == "" {
		errs = append(errs, errors.New("calibration confirm token is required"))
	}
	if c.Calibration.AccumulationInterval > 15 {
		errs = append(errs, fmt.Errorf("accumulation interval out of range: %d", c.Calibration.AccumulationInterval))
	}
	if c.Monitor.Interval <= 0 {
		errs = append(errs, errors.New("monitor interval must be positive"))
	}
	if c.MQTT.Enabled {
		if c.MQTT.BrokerURL == "" {
			errs = append(errs, errors.New("MQTT broker URL is required"))
		}
		if c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("invalid MQTT QoS: %d", c.MQTT.QoS))
		}
	}
	if c.HTTP.Enabled && (c.HTTP.Port <= 0 || c.HTTP.Port > 65535) {
		errs = append(errs, fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
