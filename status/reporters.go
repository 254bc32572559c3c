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

package status

import (
	"context"
	"encoding/json"
	"time"

	"github.com/alwitt/mpvhub/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// logReporter writes each status view to the log
type logReporter struct {
	common.Component
}

// GetLogReporter define a Reporter which logs every status view
func GetLogReporter() Reporter {
	return &logReporter{
		Component: common.Component{LogTags: log.Fields{
			"module": "status", "component": "log-reporter",
		}},
	}
}

// Report publish one status view
func (r *logReporter) Report(_ context.Context, view StatusView) error {
	log.WithFields(r.LogTags).WithFields(log.Fields{
		"playing": view.Playing, "connections": view.Connections,
	}).Info(view.StatusLine())
	return nil
}

// ========================================================================================

// Publisher message publishing transport
type Publisher interface {
	// Publish send one message on a subject
	Publish(subject string, payload []byte) error
}

// StatusMessage status view as published on the message bus
type StatusMessage struct {
	// MessageID unique ID of this message
	MessageID string `json:"message_id"`
	// Timestamp time the message was generated
	Timestamp time.Time `json:"timestamp"`
	// Status the status view
	Status StatusView `json:"status"`
	// StatusLine the status in human readable form
	StatusLine string `json:"status_line"`
}

// natsReporter publishes each status view onto a subject
type natsReporter struct {
	common.Component
	publisher Publisher
	subject   string
}

// GetNATSReporter define a Reporter which publishes JSON status messages on a subject
func GetNATSReporter(publisher Publisher, subject string) Reporter {
	return &natsReporter{
		Component: common.Component{LogTags: log.Fields{
			"module": "status", "component": "nats-reporter", "instance": subject,
		}},
		publisher: publisher,
		subject:   subject,
	}
}

// Report publish one status view
func (r *natsReporter) Report(_ context.Context, view StatusView) error {
	msg := StatusMessage{
		MessageID:  uuid.New().String(),
		Timestamp:  time.Now().UTC(),
		Status:     view,
		StatusLine: view.StatusLine(),
	}
	payload, err := json.Marshal(&msg)
	if err != nil {
		return err
	}
	if err := r.publisher.Publish(r.subject, payload); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to publish status")
		return err
	}
	return nil
}
