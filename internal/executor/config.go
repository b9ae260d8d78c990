package executor

import (
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	apperrors "github.com/o0x1024/sentinel-plugin-runtime/infrastructure/errors"
	"github.com/o0x1024/sentinel-plugin-runtime/infrastructure/runtime"
)

// envConfig is the envdecode target: environment variables override
// anything loaded from executor.yaml, which in turn overrides the
// package's built-in defaults.
type envConfig struct {
	RestartThreshold int    `env:"PLUGIN_RESTART_THRESHOLD"`
	ChannelCapacity  int    `env:"PLUGIN_CHANNEL_CAPACITY"`
	StopAckTimeoutMS int    `env:"PLUGIN_STOP_ACK_TIMEOUT"`
	Permissions      string `env:"PLUGIN_PERMISSIONS"`
}

// yamlConfig mirrors envConfig for the optional executor.yaml override file.
type yamlConfig struct {
	RestartThreshold int      `yaml:"restart_threshold"`
	ChannelCapacity  int      `yaml:"channel_capacity"`
	StopAckTimeoutMS int      `yaml:"stop_ack_timeout_ms"`
	Permissions      []string `yaml:"permissions"`
}

const (
	defaultRestartThreshold = 1000
	defaultChannelCapacity  = 100
	defaultStopAckTimeout   = time.Second
)

// LoadExecutorConfig builds an ExecutorConfig by layering, in increasing
// priority: package defaults, an optional yamlPath file, a .env file (if
// present in the working directory), and process environment variables.
// The restart threshold is resolved through the same layers but is not
// itself part of ExecutorConfig (the Executor never acts on it); it is
// returned as the second value for callers, such as a supervisor, that
// restart the executor once its current-instance execution count reaches it.
func LoadExecutorConfig(yamlPath string) (ExecutorConfig, int, error) {
	_ = godotenv.Load()

	restartThreshold := defaultRestartThreshold
	channelCapacity := defaultChannelCapacity
	stopAckTimeoutMS := int(defaultStopAckTimeout / time.Millisecond)
	var permissions []string

	if yamlPath != "" {
		if data, err := os.ReadFile(yamlPath); err == nil {
			var y yamlConfig
			if err := yaml.Unmarshal(data, &y); err != nil {
				return ExecutorConfig{}, 0, apperrors.InvalidFormat("executor.yaml", "valid YAML").WithDetails("path", yamlPath).WithDetails("parse_error", err.Error())
			}
			if y.RestartThreshold > 0 {
				restartThreshold = y.RestartThreshold
			}
			if y.ChannelCapacity > 0 {
				channelCapacity = y.ChannelCapacity
			}
			if y.StopAckTimeoutMS > 0 {
				stopAckTimeoutMS = y.StopAckTimeoutMS
			}
			if len(y.Permissions) > 0 {
				permissions = y.Permissions
			}
		}
	}

	var env envConfig
	if err := envdecode.Decode(&env); err != nil {
		// envdecode returns an error when none of its tagged fields are set
		// in the environment; treat that as "no overrides" rather than a
		// failure, so runs without exported PLUGIN_* vars still work.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return ExecutorConfig{}, 0, apperrors.Internal("failed to decode environment configuration", err)
		}
	}

	restartThreshold = runtime.ResolveInt(env.RestartThreshold, "PLUGIN_RESTART_THRESHOLD", restartThreshold)
	channelCapacity = runtime.ResolveInt(env.ChannelCapacity, "PLUGIN_CHANNEL_CAPACITY", channelCapacity)
	stopAckTimeoutMS = runtime.ResolveInt(env.StopAckTimeoutMS, "PLUGIN_STOP_ACK_TIMEOUT", stopAckTimeoutMS)
	if env.Permissions != "" {
		permissions = splitCommaList(env.Permissions)
	}

	caps := DefaultCapabilities()
	if len(permissions) > 0 {
		caps = NewCapabilitySet(permissions)
	}

	return ExecutorConfig{
		CommandCapacity: channelCapacity,
		StopAckTimeout:  time.Duration(stopAckTimeoutMS) * time.Millisecond,
		Capabilities:    caps,
	}, restartThreshold, nil
}

func splitCommaList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
