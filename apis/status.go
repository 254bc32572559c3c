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

package apis

import (
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/mpvhub/backend"
	"github.com/alwitt/mpvhub/common"
	"github.com/alwitt/mpvhub/status"
	"github.com/apex/log"
)

// APIRestStatusHandler REST handler for service status and health
type APIRestStatusHandler struct {
	goutils.RestAPIHandler
	aggregator status.Aggregator
	client     backend.Client
}

// GetAPIRestStatusHandler define APIRestStatusHandler
func GetAPIRestStatusHandler(
	aggregator status.Aggregator,
	client backend.Client,
	httpConfig *common.HTTPConfig,
) (APIRestStatusHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "status",
	}
	return APIRestStatusHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		aggregator:     aggregator,
		client:         client,
	}, nil
}

// APIRestRespStatus response for the status query
type APIRestRespStatus struct {
	goutils.RestAPIBaseResponse
	// Status is the current service status
	Status status.StatusView `json:"status" validate:"required"`
	// StatusLine is the status rendered as one line
	StatusLine string `json:"status_line" validate:"required"`
}

// Status godoc
// @Summary Query service status
// @Description Query the current playback state, media title, and observer count
// @tags Status
// @Produce json
// @Success 200 {object} APIRestRespStatus "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/status [get]
func (h APIRestStatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	view := h.aggregator.Current()
	if err := h.WriteRESTResponse(
		w, http.StatusOK, APIRestRespStatus{
			RestAPIBaseResponse: goutils.RestAPIBaseResponse{
				Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
			},
			Status:     view,
			StatusLine: view.StatusLine(),
		}, nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// StatusHandler Wrapper around Status
func (h APIRestStatusHandler) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Status(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For REST API liveness check
// @Description Will return success to indicate REST API module is live
// @tags Status
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestStatusHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestStatusHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For REST API readiness check
// @Description Will return success if the player backend is connected
// @tags Status
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestStatusHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "player backend not connected"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.client.Connected() {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestStatusHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
