package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. FANOUT_RABBITMQ_URL or
// FANOUT_COMPLETED_CLEAR_CRON.
const EnvPrefix = "FANOUT"

// Load reads configuration from the file at path (YAML, JSON or TOML by
// extension) and applies FANOUT_* environment overrides on top of WithDefaults.
// An empty path looks for fanout.yaml in the working directory and /etc/fanout;
// a missing file is not an error in that case.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, WithDefaults())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fanout")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/fanout")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	// A comma separated env value arrives as a single element.
	if len(cfg.KafkaBrokers) == 1 && strings.Contains(cfg.KafkaBrokers[0], ",") {
		cfg.KafkaBrokers = strings.Split(cfg.KafkaBrokers[0], ",")
	}
	return &cfg, nil
}

// Every key needs a default, otherwise AutomaticEnv cannot surface it through Unmarshal.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("pubsub_system", d.PubSubSystem)
	v.SetDefault("kafka_brokers", []string{})
	v.SetDefault("kafka_consumer_group", "")
	v.SetDefault("rabbitmq_url", "")
	v.SetDefault("nats_url", "")
	for _, key := range []string{"aws_region", "aws_account_id", "aws_access_key_id", "aws_secret_access_key", "aws_endpoint"} {
		v.SetDefault(key, "")
	}

	v.SetDefault("enabled", d.Enabled)
	v.SetDefault("app_name", d.AppName)
	v.SetDefault("exchange", d.Exchange)
	v.SetDefault("inbox_queue", "")
	v.SetDefault("worker_queue", "")
	v.SetDefault("retry_queue", d.RetryQueue)
	v.SetDefault("error_queue", d.ErrorQueue)
	v.SetDefault("retry_delay", d.RetryDelay)
	v.SetDefault("auto_provision_topology", d.AutoProvisionTopology)

	v.SetDefault("scheduled_tasks_enabled", d.ScheduledTasksEnabled)
	v.SetDefault("lock_enabled", d.LockEnabled)
	v.SetDefault("lock_lease", d.LockLease)
	for key, job := range map[string]JobConfig{
		"completed_clear":  d.CompletedClear,
		"incomplete_retry": d.IncompleteRetry,
	} {
		v.SetDefault(key+".enabled", job.Enabled)
		v.SetDefault(key+".cron", job.Cron)
		v.SetDefault(key+".older_than", job.OlderThan)
	}

	v.SetDefault("redis_url", "")
	v.SetDefault("postgres_url", "")
	v.SetDefault("metrics_enabled", d.MetricsEnabled)
	v.SetDefault("metrics_port", 9090)
	v.SetDefault("webui_enabled", false)
	v.SetDefault("webui_port", 8081)
	v.SetDefault("webui_cors_allowed_origins", []string{})
}
