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

package session

import (
	"context"
	"errors"

	"github.com/alwitt/mpvhub/backend"
	"github.com/apex/log"
)

// WatchedProperties backend properties every session subscribes to
var WatchedProperties = []string{
	backend.PropChapterList,
	backend.PropDemuxerCacheState,
	backend.PropDuration,
	backend.PropLoopPlaylist,
	backend.PropMute,
	backend.PropPause,
	backend.PropPausedForCache,
	backend.PropPercentPos,
	backend.PropPlaylist,
	backend.PropTrackList,
	backend.PropVolume,
}

// InitialState full player state sent to an observer when it connects
type InitialState struct {
	CachedTimestamp   *float64                `json:"cached_timestamp"`
	Chapters          []interface{}           `json:"chapters"`
	Connections       uint64                  `json:"connections"`
	CurrentPercentPos *float64                `json:"current_percent_pos"`
	CurrentTrack      string                  `json:"current_track"`
	Title             *string                 `json:"title"`
	Duration          float64                 `json:"duration"`
	IsLooping         bool                    `json:"is_looping"`
	IsMuted           bool                    `json:"is_muted"`
	IsPlaying         bool                    `json:"is_playing"`
	IsPausedForCache  bool                    `json:"is_paused_for_cache"`
	Playlist          []backend.PlaylistEntry `json:"playlist"`
	Tracks            []interface{}           `json:"tracks"`
	Volume            float64                 `json:"volume"`
}

// FetchInitialState read the player state. A field that can not be read keeps its
// zero value.
func FetchInitialState(
	ctxt context.Context, player backend.Player, connections uint64, logTags log.Fields,
) InitialState {
	state := InitialState{
		Chapters:    []interface{}{},
		Connections: connections,
		Playlist:    []backend.PlaylistEntry{},
		Tracks:      []interface{}{},
	}

	failed := func(field string, err error) {
		// Unavailable properties are normal, ex. nothing loaded
		if errors.Is(err, backend.ErrPropertyUnavailable) {
			log.WithFields(logTags).Debugf("Snapshot field %s unavailable", field)
			return
		}
		log.WithError(err).WithFields(logTags).Warnf("Unable to read snapshot field %s", field)
	}

	if cacheEnd, err := player.GetCacheEnd(ctxt); err == nil {
		state.CachedTimestamp = &cacheEnd
	} else {
		failed(backend.PropDemuxerCacheState, err)
	}
	if chapters, err := player.GetList(ctxt, backend.PropChapterList); err == nil {
		state.Chapters = chapters
	} else {
		failed(backend.PropChapterList, err)
	}
	if percent, err := player.GetFloat(ctxt, backend.PropPercentPos); err == nil {
		state.CurrentPercentPos = &percent
	} else {
		failed(backend.PropPercentPos, err)
	}
	if path, err := player.GetString(ctxt, backend.PropPath); err == nil {
		state.CurrentTrack = path
	} else {
		failed(backend.PropPath, err)
	}
	if title, err := player.GetString(ctxt, backend.PropMediaTitle); err == nil {
		state.Title = &title
	} else {
		failed(backend.PropMediaTitle, err)
	}
	if duration, err := player.GetFloat(ctxt, backend.PropDuration); err == nil {
		state.Duration = duration
	} else {
		failed(backend.PropDuration, err)
	}
	if looping, err := player.IsLoopingPlaylist(ctxt); err == nil {
		state.IsLooping = looping
	} else {
		failed(backend.PropLoopPlaylist, err)
	}
	if muted, err := player.GetBool(ctxt, backend.PropMute); err == nil {
		state.IsMuted = muted
	} else {
		failed(backend.PropMute, err)
	}
	if playing, err := player.IsPlaying(ctxt); err == nil {
		state.IsPlaying = playing
	} else {
		failed(backend.PropPause, err)
	}
	if pausedForCache, err := player.GetBool(ctxt, backend.PropPausedForCache); err == nil {
		state.IsPausedForCache = pausedForCache
	} else {
		failed(backend.PropPausedForCache, err)
	}
	if playlist, err := player.GetPlaylist(ctxt); err == nil {
		state.Playlist = playlist
	} else {
		failed(backend.PropPlaylist, err)
	}
	if tracks, err := player.GetSubtitleTracks(ctxt); err == nil {
		state.Tracks = tracks
	} else {
		failed(backend.PropTrackList, err)
	}
	if volume, err := player.GetFloat(ctxt, backend.PropVolume); err == nil {
		state.Volume = volume
	} else {
		failed(backend.PropVolume, err)
	}

	return state
}
