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

// Package status keeps the operational status of the service (playback state, media
// title, observer count) and reports it to the operator.
package status

import (
	"context"
	"fmt"
)

// StatusView one point-in-time status of the service
type StatusView struct {
	// Playing whether playback is running
	Playing bool `json:"playing"`
	// Title the current media title, if any
	Title *string `json:"title"`
	// Connections number of connected observers
	Connections uint64 `json:"connections"`
}

// StatusLine render the view as a single human readable line
func (v StatusView) StatusLine() string {
	state := "[STOP]"
	if v.Playing {
		state = "[PLAY]"
	}
	title := ""
	if v.Title != nil {
		title = *v.Title
	}
	plural := "s"
	if v.Connections == 1 {
		plural = ""
	}
	return fmt.Sprintf("%s %q (%d connection%s)", state, title, v.Connections, plural)
}

// Reporter sink for status views
type Reporter interface {
	// Report publish one status view
	Report(ctxt context.Context, view StatusView) error
}
