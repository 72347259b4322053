// Copyright 2022 The forumhub Authors
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

import (
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// Hub Related Config

// HubConfig defines the connection registry parameters
type HubConfig struct {
	// MailboxSize is the number of requests which can be queued up for the registry
	MailboxSize int `mapstructure:"mailbox_size" json:"mailbox_size" validate:"gte=1"`
}

// ConnectionClassConfig defines the liveness and queueing parameters of one class of
// client connection
type ConnectionClassConfig struct {
	// HeartbeatInterval is the duration between liveness probes in seconds
	HeartbeatInterval int `mapstructure:"heartbeat_interval_sec" json:"heartbeat_interval_sec" validate:"gte=1"`
	// HeartbeatTimeout is the max duration without a liveness signal before the connection
	// is dropped, in seconds
	HeartbeatTimeout int `mapstructure:"heartbeat_timeout_sec" json:"heartbeat_timeout_sec" validate:"gtfield=HeartbeatInterval"`
	// OutboundQueueSize is the number of pending messages a connection can buffer
	OutboundQueueSize int `mapstructure:"outbound_queue_size" json:"outbound_queue_size" validate:"gte=1"`
	// WriteTimeout is the max duration for writing one frame to the client in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
}

// HeartbeatIntervalDuration helper function to get the heartbeat interval as time.Duration
func (c ConnectionClassConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Second * time.Duration(c.HeartbeatInterval)
}

// HeartbeatTimeoutDuration helper function to get the heartbeat timeout as time.Duration
func (c ConnectionClassConfig) HeartbeatTimeoutDuration() time.Duration {
	return time.Second * time.Duration(c.HeartbeatTimeout)
}

// WriteTimeoutDuration helper function to get the write timeout as time.Duration
func (c ConnectionClassConfig) WriteTimeoutDuration() time.Duration {
	return time.Second * time.Duration(c.WriteTimeout)
}

// ConnectionClassesConfig defines the parameters of each connection class
type ConnectionClassesConfig struct {
	// Chat are the parameters for chat room sockets
	Chat ConnectionClassConfig `mapstructure:"chat" json:"chat"`
	// Notification are the parameters for notification sockets
	Notification ConnectionClassConfig `mapstructure:"notification" json:"notification"`
}

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSIngestConfig defines parameters for receiving producer events through NATS
type NATSIngestConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect"`
	// Subject is the NATS subject producers publish dispatch requests on
	Subject string `mapstructure:"subject" json:"subject" validate:"required"`
	// QueueGroup is the optional NATS queue group to subscribe with
	QueueGroup string `mapstructure:"queue_group" json:"queue_group"`
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
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config"`
}

// WebsocketConfig defines the websocket upgrade parameters
type WebsocketConfig struct {
	// IdentityHeader is the header the upstream authenticating proxy places the
	// authenticated identity in
	IdentityHeader string `mapstructure:"identity_header" json:"identity_header" validate:"required"`
	// ReadBufferSize is the websocket read buffer size in bytes
	ReadBufferSize int `mapstructure:"read_buffer_size" json:"read_buffer_size" validate:"gte=128"`
	// WriteBufferSize is the websocket write buffer size in bytes
	WriteBufferSize int `mapstructure:"write_buffer_size" json:"write_buffer_size" validate:"gte=128"`
	// MaxInboundMessageSize is the largest frame accepted from a client in bytes
	MaxInboundMessageSize int64 `mapstructure:"max_inbound_msg_size" json:"max_inbound_msg_size" validate:"gte=64"`
	// AllowedOrigins is the list of allowed Origin header values. Empty allows all.
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins"`
}

// APIEndpointConfig defines API endpoint config
type APIEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// APIServerConfig defines configuration for the API server
type APIServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server"`
	// Endpoints is the API endpoint config parameters
	Endpoints APIEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config"`
	// Websocket is the websocket upgrade parameters
	Websocket WebsocketConfig `mapstructure:"websocket" json:"websocket"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// Hub are the connection registry configs
	Hub HubConfig `mapstructure:"hub" json:"hub"`
	// ConnectionClasses are the per connection class configs
	ConnectionClasses ConnectionClassesConfig `mapstructure:"connection_classes" json:"connection_classes"`
	// Server are the API server configs
	Server APIServerConfig `mapstructure:"server" json:"server"`
	// NATS are the optional NATS event ingest configs
	NATS *NATSIngestConfig `mapstructure:"nats,omitempty" json:"nats,omitempty" validate:"omitempty"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default registry settings
	viper.SetDefault("hub.mailbox_size", 1024)

	// Default connection class settings
	viper.SetDefault("connection_classes.chat.heartbeat_interval_sec", 1)
	viper.SetDefault("connection_classes.chat.heartbeat_timeout_sec", 5)
	viper.SetDefault("connection_classes.chat.outbound_queue_size", 64)
	viper.SetDefault("connection_classes.chat.write_timeout_sec", 5)
	viper.SetDefault("connection_classes.notification.heartbeat_interval_sec", 5)
	viper.SetDefault("connection_classes.notification.heartbeat_timeout_sec", 30)
	viper.SetDefault("connection_classes.notification.outbound_queue_size", 32)
	viper.SetDefault("connection_classes.notification.write_timeout_sec", 10)

	// Default API server settings
	viper.SetDefault("server.endpoint_config.path_prefix", "/")
	viper.SetDefault("server.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("server.api_server.server_config.listen_port", 3000)
	viper.SetDefault("server.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("server.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("server.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"server.api_server.logging_config.request_id_header", "Forumhub-Request-ID",
	)
	viper.SetDefault(
		"server.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("server.websocket.identity_header", "X-Forum-Identity")
	viper.SetDefault("server.websocket.read_buffer_size", 1024)
	viper.SetDefault("server.websocket.write_buffer_size", 1024)
	viper.SetDefault("server.websocket.max_inbound_msg_size", 4096)
}

// InstallDefaultNATSConfigValues installs default NATS ingest parameters in viper. Only
// called when the NATS ingest bridge is requested.
func InstallDefaultNATSConfigValues() {
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)
	viper.SetDefault("nats.subject", "forum.dispatch")
}
