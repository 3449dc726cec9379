package mqtt

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds the MQTT sink configuration.
type Config struct {
	Enabled        bool          `mapstructure:"enabled"`
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	QoS            int           `mapstructure:"qos"`
	QueueSize      int           `mapstructure:"queue_size"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// DefaultConfig returns the default sink configuration. The sink is
// disabled unless explicitly enabled.
func DefaultConfig() Config {
	return Config{
		Broker:         "tcp://localhost:1883",
		ClientID:       "miningops",
		TopicPrefix:    "miningops",
		QoS:            1,
		QueueSize:      256,
		PublishTimeout: 5 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	u, err := url.Parse(c.Broker)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("broker: %w", err))
	case u.Scheme == "" || u.Host == "":
		errs = append(errs, fmt.Errorf("broker %q must be a URL such as tcp://host:1883", c.Broker))
	}
	if c.ClientID == "" {
		errs = append(errs, errors.New("client_id is required"))
	}
	if strings.Trim(c.TopicPrefix, "/") == "" {
		errs = append(errs, errors.New("topic_prefix is required"))
	}
	if c.QoS < 0 || c.QoS > maxQoS {
		errs = append(errs, fmt.Errorf("%w: %d", ErrInvalidQoS, c.QoS))
	}
	if c.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("queue_size must be positive, got %d", c.QueueSize))
	}
	if c.PublishTimeout <= 0 {
		errs = append(errs, fmt.Errorf("publish_timeout must be positive, got %s", c.PublishTimeout))
	}
	return errors.Join(errs...)
}

// EventTopic returns the topic an event of kind is published on.
func (c Config) EventTopic(kind string) string {
	return strings.TrimRight(c.TopicPrefix, "/") + "/events/" + kind
}

// StatusTopic returns the retained availability topic.
func (c Config) StatusTopic() string {
	return strings.TrimRight(c.TopicPrefix, "/") + "/status"
}
