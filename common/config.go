// Copyright 2021-2022 The mpvhub Authors
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
// mpv Related Config

// MPVConfig defines parameters for connecting to the mpv JSON IPC server
type MPVConfig struct {
	// SocketPath is the path of the mpv IPC unix socket
	SocketPath string `mapstructure:"socket_path" json:"socket_path" validate:"required"`
	// ConnectTimeout is the max duration for connecting to the mpv socket in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// RequestTimeout is the max duration of one mpv IPC request in seconds
	RequestTimeout int `mapstructure:"request_timeout_sec" json:"request_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// Session Related Config

// SessionConfig defines parameters for the WebSocket observer sessions
type SessionConfig struct {
	// MaxConnections is the max number of concurrent observer sessions
	MaxConnections uint64 `mapstructure:"max_connections" json:"max_connections" validate:"gte=1"`
	// EventBuffer is the length of each session's backend event queue. When a session
	// falls behind, the oldest queued event is dropped.
	EventBuffer int `mapstructure:"event_buffer" json:"event_buffer" validate:"gte=1"`
	// CommandBuffer is the length of the shared command execution queue
	CommandBuffer int `mapstructure:"command_buffer" json:"command_buffer" validate:"gte=1"`
}

// ===============================================================================
// Status Reporting Related Config

// NATSConfig defines parameters for publishing status updates through NATS
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// Subject is the NATS subject the status view is published on
	Subject string `mapstructure:"subject" json:"subject" validate:"required"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// MaxReconnectAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts" json:"max_reconnect_attempts" validate:"gte=-1"`
	// ReconnectWait is the duration between reconnect attempts in seconds
	ReconnectWait int `mapstructure:"reconnect_wait_sec" json:"reconnect_wait_sec" validate:"gte=1"`
}

// StatusConfig defines how the operational status line is reported
type StatusConfig struct {
	// Systemd enables reporting status through sd_notify
	Systemd bool `mapstructure:"systemd" json:"systemd"`
	// NATS optionally publishes the status view onto a NATS subject
	NATS *NATSConfig `mapstructure:"nats,omitempty" json:"nats,omitempty" validate:"omitempty,dive"`
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
	// ShutdownTimeout is the max duration to wait for the server and its sessions to
	// stop in seconds
	ShutdownTimeout int `mapstructure:"shutdown_timeout_sec" json:"shutdown_timeout_sec" validate:"gte=1"`
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
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// EndpointConfig defines API endpoint config
type EndpointConfig struct {
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// MPV are the mpv IPC related config parameters
	MPV MPVConfig `mapstructure:"mpv" json:"mpv" validate:"required,dive"`
	// Session are the observer session parameters
	Session SessionConfig `mapstructure:"session" json:"session" validate:"required,dive"`
	// Status are the status reporting parameters
	Status StatusConfig `mapstructure:"status" json:"status" validate:"required,dive"`
	// HTTPSetting is the HTTP API / server parameters
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters
	Endpoints EndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default mpv settings
	viper.SetDefault("mpv.socket_path", "/run/mpv/mpv.sock")
	viper.SetDefault("mpv.connect_timeout_sec", 5)
	viper.SetDefault("mpv.request_timeout_sec", 5)

	// Default session settings
	viper.SetDefault("session.max_connections", 1024)
	viper.SetDefault("session.event_buffer", 64)
	viper.SetDefault("session.command_buffer", 32)

	// Default status settings
	viper.SetDefault("status.systemd", false)

	// Default server settings
	viper.SetDefault("endpoint_config.path_prefix", "/")
	viper.SetDefault("api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api_server.server_config.listen_port", 8008)
	viper.SetDefault("api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault("api_server.server_config.shutdown_timeout_sec", 10)
	viper.SetDefault("api_server.logging_config.request_id_header", "Mpvhub-Request-ID")
	viper.SetDefault(
		"api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
