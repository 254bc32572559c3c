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

package backend

import (
	"context"
	"fmt"
)

// Player property names
const (
	PropChapterList       = "chapter-list"
	PropDemuxerCacheState = "demuxer-cache-state"
	PropDuration          = "duration"
	PropLoopPlaylist      = "loop-playlist"
	PropMute              = "mute"
	PropPause             = "pause"
	PropPausedForCache    = "paused-for-cache"
	PropPercentPos        = "percent-pos"
	PropPlaylist          = "playlist"
	PropTrackList         = "track-list"
	PropVolume            = "volume"
	PropMediaTitle        = "media-title"
	PropPath              = "path"
	PropPlaylistPos       = "playlist-pos"
	PropSubtitleID        = "sid"
)

// PlaylistEntry one entry of the player playlist
type PlaylistEntry struct {
	// ID unique playlist entry ID
	ID int64 `json:"id"`
	// Filename the media path or URL
	Filename string `json:"filename"`
	// Title the media title, when known
	Title string `json:"title,omitempty"`
	// Current whether this is the current entry
	Current bool `json:"current"`
}

// Player typed player operations over a Client
type Player struct {
	client Client
}

// GetPlayer define a new Player
func GetPlayer(client Client) Player {
	return Player{client: client}
}

// ========================================================================================
// Playback

// TogglePlayback flip between playing and paused
func (p Player) TogglePlayback(ctxt context.Context) error {
	_, err := p.client.RunCommand(ctxt, "cycle", PropPause)
	return err
}

// IsPlaying whether playback is running
func (p Player) IsPlaying(ctxt context.Context) (bool, error) {
	value, err := p.client.GetProperty(ctxt, PropPause)
	if err != nil {
		return false, err
	}
	paused, err := AsBool(value)
	return !paused, err
}

// SetVolume set the absolute volume
func (p Player) SetVolume(ctxt context.Context, volume float64) error {
	if volume < 0 {
		return fmt.Errorf("invalid volume %f", volume)
	}
	return p.client.SetProperty(ctxt, PropVolume, volume)
}

// SeekPercent seek to a percentage of the media duration
func (p Player) SeekPercent(ctxt context.Context, percent float64) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("invalid seek percent %f", percent)
	}
	_, err := p.client.RunCommand(ctxt, "seek", percent, "absolute-percent")
	return err
}

// SetSubtitleTrack select a subtitle track. A nil track disables subtitles.
func (p Player) SetSubtitleTrack(ctxt context.Context, track *uint64) error {
	if track == nil {
		return p.client.SetProperty(ctxt, PropSubtitleID, "no")
	}
	return p.client.SetProperty(ctxt, PropSubtitleID, *track)
}

// SetLoopPlaylist enable or disable looping the playlist
func (p Player) SetLoopPlaylist(ctxt context.Context, loop bool) error {
	if loop {
		return p.client.SetProperty(ctxt, PropLoopPlaylist, "inf")
	}
	return p.client.SetProperty(ctxt, PropLoopPlaylist, "no")
}

// ========================================================================================
// Playlist

// PlaylistAppend add a media URL to the end of the playlist
func (p Player) PlaylistAppend(ctxt context.Context, url string) error {
	if url == "" {
		return fmt.Errorf("empty media URL")
	}
	_, err := p.client.RunCommand(ctxt, "loadfile", url, "append")
	return err
}

// PlaylistRemove remove the entry at a position
func (p Player) PlaylistRemove(ctxt context.Context, position uint64) error {
	_, err := p.client.RunCommand(ctxt, "playlist-remove", position)
	return err
}

// PlaylistMove move the entry at one position to another
func (p Player) PlaylistMove(ctxt context.Context, from, to uint64) error {
	_, err := p.client.RunCommand(ctxt, "playlist-move", from, to)
	return err
}

// PlaylistClear remove every entry except the current one
func (p Player) PlaylistClear(ctxt context.Context) error {
	_, err := p.client.RunCommand(ctxt, "playlist-clear")
	return err
}

// PlaylistShuffle shuffle the playlist
func (p Player) PlaylistShuffle(ctxt context.Context) error {
	_, err := p.client.RunCommand(ctxt, "playlist-shuffle")
	return err
}

// PlaylistGoto start playing the entry at a position
func (p Player) PlaylistGoto(ctxt context.Context, position uint64) error {
	return p.client.SetProperty(ctxt, PropPlaylistPos, position)
}

// PlaylistNext go to the next entry
func (p Player) PlaylistNext(ctxt context.Context) error {
	_, err := p.client.RunCommand(ctxt, "playlist-next")
	return err
}

// PlaylistPrevious go to the previous entry
func (p Player) PlaylistPrevious(ctxt context.Context) error {
	_, err := p.client.RunCommand(ctxt, "playlist-prev")
	return err
}

// ========================================================================================
// Snapshot reads

// GetBool read a boolean property
func (p Player) GetBool(ctxt context.Context, name string) (bool, error) {
	value, err := p.client.GetProperty(ctxt, name)
	if err != nil {
		return false, err
	}
	return AsBool(value)
}

// GetFloat read a numeric property
func (p Player) GetFloat(ctxt context.Context, name string) (float64, error) {
	value, err := p.client.GetProperty(ctxt, name)
	if err != nil {
		return 0, err
	}
	return AsFloat(value)
}

// GetString read a string property
func (p Player) GetString(ctxt context.Context, name string) (string, error) {
	value, err := p.client.GetProperty(ctxt, name)
	if err != nil {
		return "", err
	}
	return AsString(value)
}

// GetList read a list property
func (p Player) GetList(ctxt context.Context, name string) ([]interface{}, error) {
	value, err := p.client.GetProperty(ctxt, name)
	if err != nil {
		return nil, err
	}
	list, ok := value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("property %s is %T, not a list", name, value)
	}
	return list, nil
}

// GetPlaylist read the playlist
func (p Player) GetPlaylist(ctxt context.Context) ([]PlaylistEntry, error) {
	value, err := p.client.GetProperty(ctxt, PropPlaylist)
	if err != nil {
		return nil, err
	}
	entries := []PlaylistEntry{}
	if err := DecodeValue(value, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// GetSubtitleTracks read the track list, keeping only subtitle tracks
func (p Player) GetSubtitleTracks(ctxt context.Context) ([]interface{}, error) {
	tracks, err := p.GetList(ctxt, PropTrackList)
	if err != nil {
		return nil, err
	}
	subtitles := []interface{}{}
	for _, track := range tracks {
		entry, ok := track.(map[string]interface{})
		if !ok {
			continue
		}
		if trackType, ok := entry["type"].(string); ok && trackType == "sub" {
			subtitles = append(subtitles, track)
		}
	}
	return subtitles, nil
}

// GetCacheEnd read the timestamp up to which the demuxer has cached the media
func (p Player) GetCacheEnd(ctxt context.Context) (float64, error) {
	value, err := p.client.GetProperty(ctxt, PropDemuxerCacheState)
	if err != nil {
		return 0, err
	}
	state, ok := value.(map[string]interface{})
	if !ok {
		return 0, fmt.Errorf("property %s is %T, not an object", PropDemuxerCacheState, value)
	}
	if nested, ok := state["data"].(map[string]interface{}); ok {
		state = nested
	}
	return AsFloat(state["cache-end"])
}

// IsLoopingPlaylist whether the playlist loops
func (p Player) IsLoopingPlaylist(ctxt context.Context) (bool, error) {
	value, err := p.client.GetProperty(ctxt, PropLoopPlaylist)
	if err != nil {
		return false, err
	}
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		return v != "no", nil
	case float64:
		return v != 0, nil
	default:
		return false, fmt.Errorf("unexpected %s value %v", PropLoopPlaylist, value)
	}
}
