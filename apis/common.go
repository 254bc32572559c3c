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

// Package apis provides the HTTP surface: the observer WebSocket endpoint, and the
// status and health REST endpoints.
package apis

import (
	"bytes"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/mpvhub/common"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// defineRestAPIHandler define the base REST handler shared by all API handlers
func defineRestAPIHandler(logTags log.Fields, httpConfig *common.HTTPConfig) goutils.RestAPIHandler {
	return goutils.RestAPIHandler{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
		DoNotLogHeaders: func() map[string]bool {
			result := map[string]bool{}
			for _, v := range httpConfig.Logging.DoNotLogHeaders {
				result[v] = true
			}
			return result
		}(),
	}
}

// AccessLogWriter sends HTTP access log lines to the application log
type AccessLogWriter struct {
	common.Component
}

// GetAccessLogWriter define AccessLogWriter
func GetAccessLogWriter() AccessLogWriter {
	return AccessLogWriter{
		Component: common.Component{
			LogTags: log.Fields{"module": "apis", "component": "access-log"},
		},
	}
}

// Write logging support
func (w AccessLogWriter) Write(p []byte) (n int, err error) {
	log.WithFields(w.LogTags).Infof("%s", bytes.TrimSpace(p))
	return len(p), nil
}
