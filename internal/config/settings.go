package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides (ROBOBRIDGE_SERVER_ADDRESS).
const EnvPrefix = "ROBOBRIDGE"

// DefaultServerAddress is the public lab server.
const DefaultServerAddress = "lab.open-roberta.org:443"

// Settings is the typed configuration of the agent.
type Settings struct {
	Server    ServerSettings    `mapstructure:"server"`
	Detection DetectionSettings `mapstructure:"detection"`
	Agent     AgentSettings     `mapstructure:"agent"`
	Connector ConnectorSettings `mapstructure:"connector"`
	Arduino   ArduinoSettings   `mapstructure:"arduino"`
	EV3       EV3Settings       `mapstructure:"ev3"`
	NAO       NAOSettings       `mapstructure:"nao"`
	Serial    SerialSettings    `mapstructure:"serial"`
	Control   ControlSettings   `mapstructure:"control"`
	Store     StoreSettings     `mapstructure:"store"`
	Log       LogSettings       `mapstructure:"log"`
}

type ServerSettings struct {
	Address        string        `mapstructure:"address"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type DetectionSettings struct {
	Interval  time.Duration `mapstructure:"interval"`
	HelpAfter time.Duration `mapstructure:"help_after"`
}

type AgentSettings struct {
	// SessionBackoff is the minimum spacing between two connector sessions.
	SessionBackoff time.Duration `mapstructure:"session_backoff"`
}

type ConnectorSettings struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type ArduinoSettings struct {
	Enabled     bool            `mapstructure:"enabled"`
	IDFile      string          `mapstructure:"id_file"`
	WatchIDFile bool            `mapstructure:"watch_id_file"`
	Avrdude     AvrdudeSettings `mapstructure:"avrdude"`
}

type AvrdudeSettings struct {
	Path string `mapstructure:"path"`
	Conf string `mapstructure:"conf"`
}

type EV3Settings struct {
	Enabled       bool          `mapstructure:"enabled"`
	Address       string        `mapstructure:"address"`
	Ping          bool          `mapstructure:"ping"`
	Timeout       time.Duration `mapstructure:"timeout"`
	FirmwareFiles []string      `mapstructure:"firmware_files"`
}

type NAOSettings struct {
	Enabled        bool          `mapstructure:"enabled"`
	BrowseInterval time.Duration `mapstructure:"browse_interval"`
	MissedRounds   int           `mapstructure:"missed_rounds"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	HALVersion     string        `mapstructure:"hal_version"`
	WorkDir        string        `mapstructure:"work_dir"`
}

type SerialSettings struct {
	BaudRate int `mapstructure:"baud_rate"`
}

type ControlSettings struct {
	Listen string `mapstructure:"listen"`
}

type StoreSettings struct {
	Path string `mapstructure:"path"`
}

type LogSettings struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.address", DefaultServerAddress)
	v.SetDefault("server.dial_timeout", 5*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)

	v.SetDefault("detection.interval", time.Second)
	v.SetDefault("detection.help_after", 20*time.Second)
	v.SetDefault("agent.session_backoff", time.Second)
	v.SetDefault("connector.poll_interval", time.Second)

	avrdude, conf := defaultAvrdude(runtime.GOOS)
	v.SetDefault("arduino.enabled", true)
	v.SetDefault("arduino.id_file", "arduino-ids.txt")
	v.SetDefault("arduino.watch_id_file", true)
	v.SetDefault("arduino.avrdude.path", avrdude)
	v.SetDefault("arduino.avrdude.conf", conf)

	v.SetDefault("ev3.enabled", true)
	v.SetDefault("ev3.address", "10.0.1.1:80")
	v.SetDefault("ev3.ping", false)
	v.SetDefault("ev3.timeout", 3*time.Second)
	v.SetDefault("ev3.firmware_files", []string{"runtime", "shared", "jsonlib", "websocketlib", "ev3menu"})

	v.SetDefault("nao.enabled", true)
	v.SetDefault("nao.browse_interval", 3*time.Second)
	v.SetDefault("nao.missed_rounds", 3)
	v.SetDefault("nao.username", "nao")
	v.SetDefault("nao.password", "nao")
	v.SetDefault("nao.hal_version", "v2-1-4-3")
	v.SetDefault("nao.work_dir", ".")

	v.SetDefault("serial.baud_rate", 9600)
	v.SetDefault("control.listen", "127.0.0.1:8991")
	v.SetDefault("store.path", "robobridge.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

func defaultAvrdude(goos string) (path, conf string) {
	switch goos {
	case "windows":
		return `lib\avrdude\avrdude.exe`, `lib\avrdude\avrdude.conf`
	case "darwin":
		return "/usr/local/bin/avrdude", "/usr/local/etc/avrdude.conf"
	default:
		return "/usr/bin/avrdude", "/etc/avrdude.conf"
	}
}

// Load builds a viper instance from defaults, the optional config file and
// the environment. A missing file is only an error when path was given.
func Load(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("robobridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Decode unmarshals the typed settings and validates them.
func Decode(c *Config) (*Settings, error) {
	var s Settings
	if err := c.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate rejects settings the agent cannot run with.
func (s *Settings) Validate() error {
	var errs []error
	if strings.TrimSpace(s.Server.Address) == "" {
		errs = append(errs, errors.New("server.address must not be empty"))
	}
	if strings.Contains(s.Server.Address, "://") {
		errs = append(errs, fmt.Errorf("server.address %q must not contain a scheme", s.Server.Address))
	}
	if s.Detection.Interval <= 0 {
		errs = append(errs, errors.New("detection.interval must be positive"))
	}
	if s.Connector.PollInterval <= 0 {
		errs = append(errs, errors.New("connector.poll_interval must be positive"))
	}
	if s.Serial.BaudRate <= 0 {
		errs = append(errs, errors.New("serial.baud_rate must be positive"))
	}
	return errors.Join(errs...)
}
