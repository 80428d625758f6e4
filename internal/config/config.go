// Package config resolves runtime settings by layering defaults, an
// optional .properties file, and environment variable overrides, in that
// order — grounded on services/gamification/internal/config/config.go.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config captures every runtime setting the quiz cadence server needs.
type Config struct {
	ListenAddress    string
	LogFilePath      string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	ShutdownTimeout  time.Duration
	PropertiesPath   string

	MinRoom  int
	NumRooms int

	Cycle             time.Duration
	Lobby             time.Duration
	MaxSkipFwd        time.Duration
	Normal            time.Duration
	Fast              time.Duration
	Slow              time.Duration
	Faster            time.Duration
	Slower            time.Duration
	ErrThreshold      time.Duration
	ErrThresholdLarge time.Duration
	InitOffset        time.Duration
	LargeSkewEnabled  bool

	KafkaBrokers        []string
	KafkaTopic          string
	KafkaWriteTimeout   time.Duration
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
}

const (
	defaultListenAddress = ":6789"
	defaultLogFile       = "logs/quizcadence.log"
	defaultReadTimeout   = 5 * time.Second
	defaultWriteTimeout  = 10 * time.Second
	defaultShutdown      = 5 * time.Second
	defaultPropsPath     = "quizcadence.properties"

	defaultMinRoom  = 0
	defaultNumRooms = 4

	defaultKafkaTopic          = "quizcadence.round-lifecycle"
	defaultKafkaWriteTimeout   = 2 * time.Second
	defaultBreakerMaxFailures  = 5
	defaultBreakerResetTimeout = 30 * time.Second
)

// Load resolves configuration by layering defaults, an optional properties
// file, and finally environment variables. The properties file location
// can be overridden with QUIZCADENCE_PROPERTIES_PATH.
func Load() (Config, error) {
	cfg := Config{
		ListenAddress:    defaultListenAddress,
		LogFilePath:      filepath.Clean(defaultLogFile),
		HTTPReadTimeout:  defaultReadTimeout,
		HTTPWriteTimeout: defaultWriteTimeout,
		ShutdownTimeout:  defaultShutdown,

		MinRoom:  defaultMinRoom,
		NumRooms: defaultNumRooms,

		Cycle:             180 * time.Second,
		Lobby:             30 * time.Second,
		MaxSkipFwd:        9 * time.Second,
		Normal:            990 * time.Millisecond,
		Fast:              976 * time.Millisecond,
		Slow:              1004 * time.Millisecond,
		Faster:            960 * time.Millisecond,
		Slower:            1020 * time.Millisecond,
		ErrThreshold:      10 * time.Millisecond,
		ErrThresholdLarge: 25 * time.Millisecond,
		InitOffset:        -10 * time.Millisecond,
		LargeSkewEnabled:  false,

		KafkaTopic:          defaultKafkaTopic,
		KafkaWriteTimeout:   defaultKafkaWriteTimeout,
		BreakerMaxFailures:  defaultBreakerMaxFailures,
		BreakerResetTimeout: defaultBreakerResetTimeout,
	}

	propsPath := strings.TrimSpace(os.Getenv("QUIZCADENCE_PROPERTIES_PATH"))
	if propsPath == "" {
		propsPath = defaultPropsPath
	}
	cfg.PropertiesPath = propsPath

	if err := applyProperties(&cfg, propsPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func applyProperties(cfg *Config, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") || strings.HasPrefix(raw, ";") {
			continue
		}
		parts := strings.SplitN(raw, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid properties entry on line %d", line)
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if err := setProperty(cfg, key, value); err != nil {
			return fmt.Errorf("property %s: %w", key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read properties: %w", err)
	}
	return nil
}

func setProperty(cfg *Config, key, value string) error {
	switch key {
	case "listen_address":
		return setNonEmptyString(&cfg.ListenAddress, "listen_address", value)
	case "log_path":
		if value == "" {
			return errors.New("log_path cannot be empty")
		}
		cfg.LogFilePath = filepath.Clean(value)
	case "http_read_timeout_ms":
		return setMillis(&cfg.HTTPReadTimeout, value)
	case "http_write_timeout_ms":
		return setMillis(&cfg.HTTPWriteTimeout, value)
	case "shutdown_timeout_ms":
		return setMillis(&cfg.ShutdownTimeout, value)
	case "min_room":
		return setInt(&cfg.MinRoom, value)
	case "num_rooms":
		return setPositiveInt(&cfg.NumRooms, value)
	case "cycle_ms":
		return setMillis(&cfg.Cycle, value)
	case "lobby_ms":
		return setMillis(&cfg.Lobby, value)
	case "max_skip_fwd_ms":
		return setMillis(&cfg.MaxSkipFwd, value)
	case "normal_ms":
		return setMillis(&cfg.Normal, value)
	case "fast_ms":
		return setMillis(&cfg.Fast, value)
	case "slow_ms":
		return setMillis(&cfg.Slow, value)
	case "faster_ms":
		return setMillis(&cfg.Faster, value)
	case "slower_ms":
		return setMillis(&cfg.Slower, value)
	case "err_threshold_ms":
		return setMillis(&cfg.ErrThreshold, value)
	case "err_threshold_large_ms":
		return setMillis(&cfg.ErrThresholdLarge, value)
	case "init_offset_ms":
		ms, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		cfg.InitOffset = time.Duration(ms) * time.Millisecond
	case "large_skew_enabled":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid bool: %w", err)
		}
		cfg.LargeSkewEnabled = b
	case "kafka_brokers":
		cfg.KafkaBrokers = splitCSV(value)
	case "kafka_topic":
		return setNonEmptyString(&cfg.KafkaTopic, "kafka_topic", value)
	case "kafka_write_timeout_ms":
		return setMillis(&cfg.KafkaWriteTimeout, value)
	case "breaker_max_failures":
		return setPositiveInt(&cfg.BreakerMaxFailures, value)
	case "breaker_reset_timeout_ms":
		return setMillis(&cfg.BreakerResetTimeout, value)
	default:
		// Unknown keys are ignored to keep the loader forward-compatible.
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v, ok := lookupEnvTrimmed("QUIZCADENCE_LISTEN_ADDRESS"); ok {
		if err := setNonEmptyString(&cfg.ListenAddress, "QUIZCADENCE_LISTEN_ADDRESS", v); err != nil {
			return err
		}
	}
	if v, ok := lookupEnvTrimmed("QUIZCADENCE_LOG_PATH"); ok {
		if v == "" {
			return errors.New("QUIZCADENCE_LOG_PATH cannot be empty")
		}
		cfg.LogFilePath = filepath.Clean(v)
	}
	if v, ok := lookupEnvTrimmed("QUIZCADENCE_MIN_ROOM"); ok {
		if err := setInt(&cfg.MinRoom, v); err != nil {
			return fmt.Errorf("QUIZCADENCE_MIN_ROOM: %w", err)
		}
	}
	if v, ok := lookupEnvTrimmed("QUIZCADENCE_NUM_ROOMS"); ok {
		if err := setPositiveInt(&cfg.NumRooms, v); err != nil {
			return fmt.Errorf("QUIZCADENCE_NUM_ROOMS: %w", err)
		}
	}
	if v, ok := lookupEnvTrimmed("QUIZCADENCE_KAFKA_BROKERS"); ok {
		cfg.KafkaBrokers = splitCSV(v)
	}
	if v, ok := lookupEnvTrimmed("QUIZCADENCE_KAFKA_TOPIC"); ok {
		if err := setNonEmptyString(&cfg.KafkaTopic, "QUIZCADENCE_KAFKA_TOPIC", v); err != nil {
			return err
		}
	}
	return nil
}

func setNonEmptyString(field *string, name, value string) error {
	if value == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	*field = value
	return nil
}

func setMillis(field *time.Duration, value string) error {
	d, err := parsePositiveMillis(value)
	if err != nil {
		return err
	}
	*field = d
	return nil
}

func setInt(field *int, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid integer: %w", err)
	}
	*field = n
	return nil
}

func setPositiveInt(field *int, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid integer: %w", err)
	}
	if n <= 0 {
		return errors.New("value must be greater than zero")
	}
	*field = n
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func lookupEnvTrimmed(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func parsePositiveMillis(v string) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return 0, errors.New("value cannot be empty")
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	if ms <= 0 {
		return 0, errors.New("value must be greater than zero")
	}
	return time.Duration(ms) * time.Millisecond, nil
}
