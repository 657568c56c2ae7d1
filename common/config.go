// Copyright 2022-2023 The livedata Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required"`
}

// ===============================================================================
// Management Server Related Config

// ManagementEndpointConfig defines management API endpoint config
type ManagementEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the management APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ManagementServerConfig defines configuration for the management API server
type ManagementServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the management API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required"`
	// Endpoints is the API endpoint config parameters for the management API server
	Endpoints ManagementEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required"`
}

// ===============================================================================
// Live Data Server Related Config

// TimingConfig defines the timer parameters of the live data server
type TimingConfig struct {
	// HeartbeatPeriod is the expected consumer heartbeat period in seconds
	HeartbeatPeriod int `mapstructure:"heartbeat_period_sec" json:"heartbeat_period_sec" validate:"gte=1"`
	// ExpiryExtension is how far a heartbeat pushes out a distributor's expiry in seconds.
	// Zero means three heartbeat periods.
	ExpiryExtension int `mapstructure:"expiry_extension_sec" json:"expiry_extension_sec" validate:"gte=0"`
	// ExpiryCheckPeriod is the period between expiry scans in seconds.
	// Zero means half a heartbeat period.
	ExpiryCheckPeriod int `mapstructure:"expiry_check_period_sec" json:"expiry_check_period_sec" validate:"gte=0"`
	// ReconnectPeriod is the period between connection checks in seconds
	ReconnectPeriod int `mapstructure:"reconnect_period_sec" json:"reconnect_period_sec" validate:"gte=1"`
	// DispatchWait is the max wait for one batch of ticks from the feed in milliseconds
	DispatchWait int `mapstructure:"dispatch_wait_ms" json:"dispatch_wait_ms" validate:"gte=1"`
	// PersistentSavePeriod is the period between persistent subscription saves in seconds
	PersistentSavePeriod int `mapstructure:"persistent_save_period_sec" json:"persistent_save_period_sec" validate:"gte=1"`
}

// SubjectConfig defines the message bus subjects the server listens on
type SubjectConfig struct {
	// SubscriptionRequests is the subject consumers send subscription requests to
	SubscriptionRequests string `mapstructure:"subscription_requests" json:"subscription_requests" validate:"required"`
	// Heartbeats is the subject consumers send heartbeats to
	Heartbeats string `mapstructure:"heartbeats" json:"heartbeats" validate:"required"`
}

// RedisConfig defines parameters for connecting to redis
type RedisConfig struct {
	// Addr is the redis server address in host:port form
	Addr string `mapstructure:"addr" json:"addr" validate:"required"`
	// Password is the optional redis password
	Password string `mapstructure:"password" json:"-"`
	// DB is the redis DB index
	DB int `mapstructure:"db" json:"db" validate:"gte=0"`
	// KeyPrefix is prepended to every key written
	KeyPrefix string `mapstructure:"key_prefix" json:"key_prefix"`
	// Timeout is the redis call timeout in seconds
	Timeout int `mapstructure:"timeout_sec" json:"timeout_sec" validate:"gte=1"`
}

// LKVConfig defines how distributor last known values are kept
type LKVConfig struct {
	// Backend is the store type
	Backend string `mapstructure:"backend" json:"backend" validate:"required,oneof=memory redis"`
	// Redis are the redis parameters when Backend is redis
	Redis *RedisConfig `mapstructure:"redis,omitempty" json:"redis,omitempty" validate:"required_if=Backend redis"`
}

// EtcdConfig defines parameters for connecting to etcd
type EtcdConfig struct {
	// Endpoints are the etcd servers
	Endpoints []string `mapstructure:"endpoints" json:"endpoints" validate:"required,min=1"`
	// DialTimeout is the connection timeout in seconds
	DialTimeout int `mapstructure:"dial_timeout_sec" json:"dial_timeout_sec" validate:"gte=1"`
	// Key is the key the persistent subscriptions are stored under
	Key string `mapstructure:"key" json:"key" validate:"required"`
}

// BadgerConfig defines parameters for the embedded badger store
type BadgerConfig struct {
	// Path is the data directory
	Path string `mapstructure:"path" json:"path" validate:"required_without=InMemory"`
	// InMemory run badger without touching disk
	InMemory bool `mapstructure:"in_memory" json:"in_memory"`
	// Key is the key the persistent subscriptions are stored under
	Key string `mapstructure:"key" json:"key" validate:"required"`
}

// PersistenceConfig defines where persistent subscriptions are recorded
type PersistenceConfig struct {
	// Backend is the store type
	Backend string `mapstructure:"backend" json:"backend" validate:"required,oneof=none memory etcd badger"`
	// StoreTimeout is the timeout for one store call in seconds
	StoreTimeout int `mapstructure:"store_timeout_sec" json:"store_timeout_sec" validate:"gte=1"`
	// Etcd are the etcd parameters when Backend is etcd
	Etcd *EtcdConfig `mapstructure:"etcd,omitempty" json:"etcd,omitempty" validate:"required_if=Backend etcd"`
	// Badger are the badger parameters when Backend is badger
	Badger *BadgerConfig `mapstructure:"badger,omitempty" json:"badger,omitempty" validate:"required_if=Backend badger"`
}

// KafkaConfig defines parameters for publishing to kafka
type KafkaConfig struct {
	// Brokers are the kafka brokers
	Brokers []string `mapstructure:"brokers" json:"brokers" validate:"required,min=1"`
	// WriteTimeout is the write timeout in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
}

// DistributionConfig defines how normalized updates leave the server
type DistributionConfig struct {
	// Senders are the sender types every distributor publishes through
	Senders []string `mapstructure:"senders" json:"senders" validate:"dive,oneof=nats kafka none"`
	// Kafka are the kafka parameters when kafka is among the senders
	Kafka *KafkaConfig `mapstructure:"kafka,omitempty" json:"kafka,omitempty" validate:"omitempty"`
}

// SimulatedFeedConfig defines the synthetic feed parameters
type SimulatedFeedConfig struct {
	// Domain is the identifier scheme the feed serves
	Domain string `mapstructure:"domain" json:"domain" validate:"required"`
	// TickInterval is the period between ticks per instrument in milliseconds
	TickInterval int `mapstructure:"tick_interval_ms" json:"tick_interval_ms" validate:"gte=1"`
	// SnapshotOnSubscribe whether subscribing requires an explicit snapshot
	SnapshotOnSubscribe bool `mapstructure:"snapshot_on_subscribe" json:"snapshot_on_subscribe"`
}

// LiveDataConfig defines the live data server parameters
type LiveDataConfig struct {
	// Instance is the name of this server instance
	Instance string `mapstructure:"instance" json:"instance" validate:"required"`
	// DefaultRuleSet is the normalization rule set used for subscribe-by-id
	DefaultRuleSet string `mapstructure:"default_rule_set" json:"default_rule_set" validate:"required"`
	// Timing are the timer parameters
	Timing TimingConfig `mapstructure:"timing" json:"timing" validate:"required"`
	// Subjects are the message bus subjects
	Subjects SubjectConfig `mapstructure:"subjects" json:"subjects" validate:"required"`
	// LKV is the last known value store config
	LKV LKVConfig `mapstructure:"lkv" json:"lkv" validate:"required"`
	// Persistence is the persistent subscription store config
	Persistence PersistenceConfig `mapstructure:"persistence" json:"persistence" validate:"required"`
	// Distribution is the market data sender config
	Distribution DistributionConfig `mapstructure:"distribution" json:"distribution" validate:"required"`
	// Feed is the simulated feed config
	Feed SimulatedFeedConfig `mapstructure:"feed" json:"feed" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by the live data server
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required"`
	// Management are the management API server configs
	Management *ManagementServerConfig `mapstructure:"management,omitempty" json:"management,omitempty" validate:"omitempty"`
	// LiveData are the live data server configs
	LiveData LiveDataConfig `mapstructure:"livedata" json:"livedata" validate:"required"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default Management server settings
	viper.SetDefault("management.endpoint_config.path_prefix", "/")
	viper.SetDefault("management.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("management.api_server.server_config.listen_port", 3000)
	viper.SetDefault("management.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("management.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("management.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"management.api_server.logging_config.request_id_header", "Livedata-Request-ID",
	)
	viper.SetDefault(
		"management.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default live data server settings
	viper.SetDefault("livedata.instance", "livedata")
	viper.SetDefault("livedata.default_rule_set", "STANDARD")
	viper.SetDefault("livedata.timing.heartbeat_period_sec", 300)
	viper.SetDefault("livedata.timing.expiry_extension_sec", 0)
	viper.SetDefault("livedata.timing.expiry_check_period_sec", 0)
	viper.SetDefault("livedata.timing.reconnect_period_sec", 5)
	viper.SetDefault("livedata.timing.dispatch_wait_ms", 1000)
	viper.SetDefault("livedata.timing.persistent_save_period_sec", 60)
	viper.SetDefault("livedata.subjects.subscription_requests", "livedata.subscription")
	viper.SetDefault("livedata.subjects.heartbeats", "livedata.heartbeat")
	viper.SetDefault("livedata.lkv.backend", "memory")
	viper.SetDefault("livedata.persistence.backend", "memory")
	viper.SetDefault("livedata.persistence.store_timeout_sec", 10)
	viper.SetDefault("livedata.distribution.senders", []string{"nats"})
	viper.SetDefault("livedata.feed.domain", "SIM")
	viper.SetDefault("livedata.feed.tick_interval_ms", 500)
	viper.SetDefault("livedata.feed.snapshot_on_subscribe", true)
}
