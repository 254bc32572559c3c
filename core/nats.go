package core

import (
	"context"
	"time"

	"github.com/alwitt/mpvhub/common"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// NATSConnectParams NATS connection parameter
type NATSConnectParams struct {
	// ServerURI connect to NATS server with URI
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// MaxReconnectAttempt on connection failure, max number of reconnect
	// attempt. "-1" means infinite
	MaxReconnectAttempt int
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration
}

// NATSClient NATS connection used to publish status updates
type NATSClient struct {
	common.Component
	nc *nats.Conn
}

// Close flush pending messages then close the NATS connection
func (c NATSClient) Close(ctxt context.Context) {
	if err := c.nc.FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("NATS flush failed")
	}
	c.nc.Close()
	log.WithFields(c.LogTags).Infof("Close NATS client")
}

// Publish send one message on a subject
func (c NATSClient) Publish(subject string, payload []byte) error {
	return c.nc.Publish(subject, payload)
}

// Connected whether the NATS connection is currently up
func (c NATSClient) Connected() bool {
	return c.nc.IsConnected()
}

// GetNATSClient connect to a NATS server
func GetNATSClient(param NATSConnectParams) (NATSClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "nats-client",
		"instance":  param.ServerURI,
	}
	nc, err := nats.Connect(
		param.ServerURI,
		nats.Name("mpvhub"),
		nats.Timeout(param.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(param.MaxReconnectAttempt),
		nats.ReconnectWait(param.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).WithFields(logTags).Warn("NATS connection lost")
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			log.WithFields(logTags).Infof("NATS reconnected to %s", conn.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.WithFields(logTags).Debug("NATS connection closed")
		}),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("NATS client connect failed")
		return NATSClient{}, err
	}
	log.WithFields(logTags).Info("Created NATS client")
	return NATSClient{
		Component: common.Component{LogTags: logTags},
		nc:        nc,
	}, nil
}
