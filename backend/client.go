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

// Package backend is the client side of the media player control channel.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrBackendClosed the connection to the backend is gone
var ErrBackendClosed = errors.New("backend connection closed")

// ErrPropertyUnavailable the backend has no value for the property right now
var ErrPropertyUnavailable = errors.New("property unavailable")

// Client is the player backend control channel. A single Client is shared by every
// session, and all of its methods are safe for concurrent use.
type Client interface {
	// GetProperty read the current value of a property
	GetProperty(ctxt context.Context, name string) (interface{}, error)
	// SetProperty change the value of a property
	SetProperty(ctxt context.Context, name string, value interface{}) error
	// RunCommand execute a raw backend command
	RunCommand(ctxt context.Context, args ...interface{}) (interface{}, error)
	// ObserveProperty request property change events tagged with the owner ID
	ObserveProperty(ctxt context.Context, owner uint64, name string) error
	// UnobserveAll cancel every property observation registered under the owner ID
	UnobserveAll(ctxt context.Context, owner uint64) error
	// SubscribeEvents open a new cursor on the backend event stream
	SubscribeEvents() EventCursor
	// Connected whether the control channel is still usable
	Connected() bool
}

// DecodeValue convert a generic property value into a concrete type
func DecodeValue(value interface{}, target interface{}) error {
	if value == nil {
		return ErrPropertyUnavailable
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}

// AsBool interpret a property value as a bool
func AsBool(value interface{}) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case nil:
		return false, ErrPropertyUnavailable
	default:
		return false, fmt.Errorf("expected bool, got %T", value)
	}
}

// AsFloat interpret a property value as a float64
func AsFloat(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case nil:
		return 0, ErrPropertyUnavailable
	default:
		return 0, fmt.Errorf("expected number, got %T", value)
	}
}

// AsString interpret a property value as a string
func AsString(value interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case nil:
		return "", ErrPropertyUnavailable
	default:
		return "", fmt.Errorf("expected string, got %T", value)
	}
}
