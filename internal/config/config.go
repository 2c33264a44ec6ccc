// Package config loads the agent's configuration. Precedence mirrors
// original_source/config.py's AgentConfig.load: an explicit path →
// the AGENT_CONFIG environment variable → ./config.yaml → pure
// environment, with environment always winning for the handful of
// fields called out as overridable, matching the teacher's
// env-prefixed viper setup (internal/config/loader.go in the pack's
// watzon-alyx repo).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is every option recognized by the agent.
type Config struct {
	AWSRegion string `mapstructure:"aws_region"`

	SQSQueueURL            string `mapstructure:"sqs_queue_url"`
	SQSWaitTimeSeconds      int32  `mapstructure:"sqs_wait_time_seconds"`
	SQSMaxNumberOfMessages  int32  `mapstructure:"sqs_max_number_of_messages"`

	S3CodeBucket     string `mapstructure:"s3_code_bucket"`
	S3UserDataBucket string `mapstructure:"s3_user_data_bucket"`

	DockerWorkDirRoot      string `mapstructure:"docker_work_dir_root"`
	DockerDefaultTimeoutMs int64  `mapstructure:"docker_default_timeout_ms"`
	DockerOutputMountPath  string `mapstructure:"docker_output_mount_path"`

	WarmPoolEnabled    bool `mapstructure:"warm_pool_enabled"`
	WarmPoolPythonSize int  `mapstructure:"warm_pool_python_size"`
	WarmPoolCPPSize    int  `mapstructure:"warm_pool_cpp_size"`
	WarmPoolNodeJSSize int  `mapstructure:"warm_pool_nodejs_size"`
	WarmPoolGoSize     int  `mapstructure:"warm_pool_go_size"`

	RedisHost         string `mapstructure:"redis_host"`
	RedisPort         int    `mapstructure:"redis_port"`
	RedisPassword     string `mapstructure:"redis_password"`
	RedisResultPrefix string `mapstructure:"redis_result_prefix"`

	OutputEnabled  bool   `mapstructure:"output_enabled"`
	OutputBaseDir  string `mapstructure:"output_base_dir"`
	OutputS3Prefix string `mapstructure:"output_s3_prefix"`

	TaskBaseDir string `mapstructure:"task_base_dir"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// Default returns the configuration's zero-risk defaults.
func Default() *Config {
	return &Config{
		AWSRegion:              "us-east-1",
		SQSWaitTimeSeconds:     20,
		SQSMaxNumberOfMessages: 10,
		DockerWorkDirRoot:      "/workspace-root",
		DockerDefaultTimeoutMs: 10000,
		DockerOutputMountPath:  "output",
		WarmPoolEnabled:        true,
		WarmPoolPythonSize:     4,
		WarmPoolCPPSize:        2,
		WarmPoolNodeJSSize:     4,
		WarmPoolGoSize:         2,
		RedisHost:              "localhost",
		RedisPort:              6379,
		RedisResultPrefix:      "results:",
		OutputEnabled:          true,
		OutputBaseDir:          "/tmp/agent-output",
		OutputS3Prefix:         "outputs",
		TaskBaseDir:            "/tmp/agent-workspaces",
		LogLevel:               "info",
		LogFormat:              "text",
	}
}

// Load resolves the config file per the precedence above, overlays
// AGENT_-prefixed environment variables (with AWS region, queue URL,
// and bus host/port always overridable per the spec), and returns the
// populated Config.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	applyDefaults(v, Default())

	v.SetEnvPrefix("AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := resolveConfigPath(explicitPath)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: reading %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling: %w", err)
	}

	// Environment always wins for these fields regardless of file
	// content, matching the spec's explicit overridable list.
	if r := os.Getenv("AGENT_AWS_REGION"); r != "" {
		cfg.AWSRegion = r
	}
	if q := os.Getenv("AGENT_SQS_QUEUE_URL"); q != "" {
		cfg.SQSQueueURL = q
	}
	if h := os.Getenv("AGENT_REDIS_HOST"); h != "" {
		cfg.RedisHost = h
	}
	if p := os.Getenv("AGENT_REDIS_PORT"); p != "" {
		if n, err := parsePort(p); err == nil {
			cfg.RedisPort = n
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv("AGENT_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml"
	}
	return ""
}

func applyDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("aws_region", d.AWSRegion)
	// Keys with an empty default are still registered so that Unmarshal
	// picks up their AGENT_-prefixed environment variables.
	v.SetDefault("sqs_queue_url", d.SQSQueueURL)
	v.SetDefault("s3_code_bucket", d.S3CodeBucket)
	v.SetDefault("s3_user_data_bucket", d.S3UserDataBucket)
	v.SetDefault("redis_password", d.RedisPassword)
	v.SetDefault("sqs_wait_time_seconds", d.SQSWaitTimeSeconds)
	v.SetDefault("sqs_max_number_of_messages", d.SQSMaxNumberOfMessages)
	v.SetDefault("docker_work_dir_root", d.DockerWorkDirRoot)
	v.SetDefault("docker_default_timeout_ms", d.DockerDefaultTimeoutMs)
	v.SetDefault("docker_output_mount_path", d.DockerOutputMountPath)
	v.SetDefault("warm_pool_enabled", d.WarmPoolEnabled)
	v.SetDefault("warm_pool_python_size", d.WarmPoolPythonSize)
	v.SetDefault("warm_pool_cpp_size", d.WarmPoolCPPSize)
	v.SetDefault("warm_pool_nodejs_size", d.WarmPoolNodeJSSize)
	v.SetDefault("warm_pool_go_size", d.WarmPoolGoSize)
	v.SetDefault("redis_host", d.RedisHost)
	v.SetDefault("redis_port", d.RedisPort)
	v.SetDefault("redis_result_prefix", d.RedisResultPrefix)
	v.SetDefault("output_enabled", d.OutputEnabled)
	v.SetDefault("output_base_dir", d.OutputBaseDir)
	v.SetDefault("output_s3_prefix", d.OutputS3Prefix)
	v.SetDefault("task_base_dir", d.TaskBaseDir)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
}

// Validate rejects configurations that would prevent the agent from
// starting at all (exit code 1 per the process surface).
func Validate(cfg *Config) error {
	if cfg.SQSQueueURL == "" {
		return errors.New("config: sqs_queue_url is required")
	}
	if cfg.S3CodeBucket == "" {
		return errors.New("config: s3_code_bucket is required")
	}
	return nil
}

func parsePort(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

// DockerDefaultTimeout is a convenience accessor used by callers that
// want a time.Duration instead of a raw millisecond count.
func (c *Config) DockerDefaultTimeout() time.Duration {
	return time.Duration(c.DockerDefaultTimeoutMs) * time.Millisecond
}
