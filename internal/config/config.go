package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"gardenlink/internal/constants"
)

// Config holds everything the station reads from its environment.
type Config struct {
	StationID string

	CommandPort     int
	KeyExchangePort int

	RendezvousHost       string
	RendezvousPort       int
	RendezvousThumbprint string
	RendezvousTransport  string
	RendezvousPath       string
	RetryInterval        time.Duration

	P2PPort      int
	P2PMultiplex bool
	STUNServer   string

	CertDir      string
	SettingsFile string

	RedisHost     string
	RedisPort     string
	RedisUser     string
	RedisPassword string

	ConnectTimeout    time.Duration
	IOTimeout         time.Duration
	KeepAliveInterval time.Duration

	ChannelCipher    string
	RelayFraming     string
	RelaySessionIdle time.Duration

	LogLevel string
	LogDir   string
	AuditLog string
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			logrus.WithError(err).WithField("file", envFile).Warn("Failed to load .env file, using environment variables only")
		}
	} else if err := godotenv.Load(); err == nil {
		logrus.Debug("Loaded configuration from .env file")
	}

	var errs []string
	intVar := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return v
	}
	durVar := func(key string, def time.Duration) time.Duration {
		v, err := getEnvDuration(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return v
	}

	hostname, _ := os.Hostname()

	cfg := &Config{
		StationID:            GetEnv("STATION_ID", hostname),
		CommandPort:          intVar("COMMAND_PORT", constants.DefaultCommandPort),
		KeyExchangePort:      intVar("KEY_EXCHANGE_PORT", constants.DefaultKeyExchangePort),
		RendezvousHost:       GetEnv("RENDEZVOUS_HOST", ""),
		RendezvousPort:       intVar("RENDEZVOUS_PORT", constants.DefaultRendezvousPort),
		RendezvousThumbprint: GetEnv("RENDEZVOUS_THUMBPRINT", ""),
		RendezvousTransport:  strings.ToLower(GetEnv("RENDEZVOUS_TRANSPORT", constants.TransportTLS)),
		RendezvousPath:       GetEnv("RENDEZVOUS_PATH", constants.DefaultRendezvousPath),
		RetryInterval:        durVar("RETRY_INTERVAL", constants.DefaultRetryInterval),
		P2PPort:              intVar("P2P_PORT", 0),
		P2PMultiplex:         getEnvBool("P2P_MULTIPLEX", false),
		STUNServer:           GetEnv("STUN_SERVER", ""),
		CertDir:              GetEnv("CERT_DIR", "certs"),
		SettingsFile:         GetEnv("SETTINGS_FILE", "settings.json"),
		RedisHost:            GetEnv("REDIS_HOST", ""),
		RedisPort:            GetEnv("REDIS_PORT", "6379"),
		RedisUser:            GetEnv("REDIS_USERNAME", ""),
		RedisPassword:        GetEnv("REDIS_PASSWORD", ""),
		ConnectTimeout:       durVar("CONNECT_TIMEOUT", constants.DefaultConnectTimeout),
		IOTimeout:            durVar("IO_TIMEOUT", constants.DefaultIOTimeout),
		KeepAliveInterval:    durVar("KEEPALIVE_INTERVAL", constants.DefaultKeepAlive),
		ChannelCipher:        strings.ToLower(GetEnv("CHANNEL_CIPHER", constants.CipherAESCBC)),
		RelayFraming:         strings.ToLower(GetEnv("RELAY_FRAMING", constants.FramingLengthPrefix)),
		RelaySessionIdle:     durVar("RELAY_SESSION_IDLE", constants.DefaultSessionIdle),
		LogLevel:             GetEnv("LOG_LEVEL", "info"),
		LogDir:               GetEnv("LOG_DIR", ""),
		AuditLog:             GetEnv("AUDIT_LOG", ""),
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.StationID == "" {
		return fmt.Errorf("STATION_ID is required")
	}
	for name, port := range map[string]int{
		"COMMAND_PORT":      c.CommandPort,
		"KEY_EXCHANGE_PORT": c.KeyExchangePort,
		"RENDEZVOUS_PORT":   c.RendezvousPort,
	} {
		if port < constants.MinPort || port > constants.MaxPort {
			return fmt.Errorf("%s out of range: %d", name, port)
		}
	}
	if c.P2PPort < 0 || c.P2PPort > constants.MaxPort {
		return fmt.Errorf("P2P_PORT out of range: %d", c.P2PPort)
	}
	switch c.RendezvousTransport {
	case constants.TransportTLS, constants.TransportWSS:
	default:
		return fmt.Errorf("RENDEZVOUS_TRANSPORT must be %q or %q", constants.TransportTLS, constants.TransportWSS)
	}
	switch c.ChannelCipher {
	case constants.CipherAESCBC, constants.CipherChaCha20Poly1305:
	default:
		return fmt.Errorf("CHANNEL_CIPHER must be %q or %q", constants.CipherAESCBC, constants.CipherChaCha20Poly1305)
	}
	switch c.RelayFraming {
	case constants.FramingLengthPrefix, constants.FramingShortRead:
	default:
		return fmt.Errorf("RELAY_FRAMING must be %q or %q", constants.FramingLengthPrefix, constants.FramingShortRead)
	}
	if c.RetryInterval <= 0 {
		return fmt.Errorf("RETRY_INTERVAL must be positive")
	}
	return nil
}

// GetEnv returns environment variable value or default if empty
func GetEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q", key, val)
	}
	return n, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, val)
	}
	return d, nil
}

func getEnvBool(key string, defaultVal bool) bool {
	val := strings.ToLower(os.Getenv(key))
	switch val {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultVal
}
