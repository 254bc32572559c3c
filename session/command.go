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
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/alwitt/mpvhub/backend"
	"github.com/go-playground/validator/v10"
)

var (
	// ErrUnknownCommand the command type is not supported
	ErrUnknownCommand = errors.New("unknown command")
	// ErrInvalidCommand the command could not be parsed or failed validation
	ErrInvalidCommand = errors.New("invalid command")
)

// Command one observer request
type Command interface {
	// Name the command type tag
	Name() string
	// Execute perform the command against the player. Returns a reply value, if the
	// command produces one.
	Execute(ctxt context.Context, player backend.Player) (interface{}, error)
}

// Command type tags
const (
	CmdLoad             = "load"
	CmdTogglePlayback   = "toggle_playback"
	CmdVolume           = "volume"
	CmdTime             = "time"
	CmdPlaylistNext     = "playlist_next"
	CmdPlaylistPrevious = "playlist_previous"
	CmdPlaylistGoto     = "playlist_goto"
	CmdPlaylistClear    = "playlist_clear"
	CmdPlaylistRemove   = "playlist_remove"
	CmdPlaylistMove     = "playlist_move"
	CmdShuffle          = "shuffle"
	CmdSetSubtitleTrack = "set_subtitle_track"
	CmdSetLooping       = "set_looping"
)

// LoadCommand append media URLs to the playlist
type LoadCommand struct {
	URLs []string `json:"urls" validate:"required,min=1,dive,required"`
}

// Name the command type tag
func (c *LoadCommand) Name() string { return CmdLoad }

// Execute perform the command against the player
func (c *LoadCommand) Execute(ctxt context.Context, player backend.Player) (interface{}, error) {
	for _, url := range c.URLs {
		if err := player.PlaylistAppend(ctxt, url); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// TogglePlaybackCommand flip between playing and paused
type TogglePlaybackCommand struct{}

// Name the command type tag
func (c *TogglePlaybackCommand) Name() string { return CmdTogglePlayback }

// Execute perform the command against the player
func (c *TogglePlaybackCommand) Execute(
	ctxt context.Context, player backend.Player,
) (interface{}, error) {
	return nil, player.TogglePlayback(ctxt)
}

// VolumeCommand set the absolute volume
type VolumeCommand struct {
	Volume *float64 `json:"volume" validate:"required,gte=0"`
}

// Name the command type tag
func (c *VolumeCommand) Name() string { return CmdVolume }

// Execute perform the command against the player
func (c *VolumeCommand) Execute(ctxt context.Context, player backend.Player) (interface{}, error) {
	return nil, player.SetVolume(ctxt, *c.Volume)
}

// TimeCommand seek to a percentage of the media duration. Values outside 0..100 fail
// validation, and the seek is not sent to the player.
type TimeCommand struct {
	Time *float64 `json:"time" validate:"required,gte=0,lte=100"`
}

// Name the command type tag
func (c *TimeCommand) Name() string { return CmdTime }

// Execute perform the command against the player
func (c *TimeCommand) Execute(ctxt context.Context, player backend.Player) (interface{}, error) {
	return nil, player.SeekPercent(ctxt, *c.Time)
}

// PlaylistNextCommand go to the next playlist entry
type PlaylistNextCommand struct{}

// Name the command type tag
func (c *PlaylistNextCommand) Name() string { return CmdPlaylistNext }

// Execute perform the command against the player
func (c *PlaylistNextCommand) Execute(
	ctxt context.Context, player backend.Player,
) (interface{}, error) {
	return nil, player.PlaylistNext(ctxt)
}

// PlaylistPreviousCommand go to the previous playlist entry
type PlaylistPreviousCommand struct{}

// Name the command type tag
func (c *PlaylistPreviousCommand) Name() string { return CmdPlaylistPrevious }

// Execute perform the command against the player
func (c *PlaylistPreviousCommand) Execute(
	ctxt context.Context, player backend.Player,
) (interface{}, error) {
	return nil, player.PlaylistPrevious(ctxt)
}

// PlaylistGotoCommand play the playlist entry at a position
type PlaylistGotoCommand struct {
	Position *uint64 `json:"position" validate:"required"`
}

// Name the command type tag
func (c *PlaylistGotoCommand) Name() string { return CmdPlaylistGoto }

// Execute perform the command against the player
func (c *PlaylistGotoCommand) Execute(
	ctxt context.Context, player backend.Player,
) (interface{}, error) {
	return nil, player.PlaylistGoto(ctxt, *c.Position)
}

// PlaylistClearCommand clear the playlist
type PlaylistClearCommand struct{}

// Name the command type tag
func (c *PlaylistClearCommand) Name() string { return CmdPlaylistClear }

// Execute perform the command against the player
func (c *PlaylistClearCommand) Execute(
	ctxt context.Context, player backend.Player,
) (interface{}, error) {
	return nil, player.PlaylistClear(ctxt)
}

// PlaylistRemoveCommand remove the playlist entries at the positions
type PlaylistRemoveCommand struct {
	Positions []uint64 `json:"positions" validate:"required"`
}

// Name the command type tag
func (c *PlaylistRemoveCommand) Name() string { return CmdPlaylistRemove }

// RemovalOrder the positions in the order they must be removed: highest first, so
// removing one entry never shifts an entry still to be removed. Repeated positions are
// removed once.
func (c *PlaylistRemoveCommand) RemovalOrder() []uint64 {
	ordered := make([]uint64, len(c.Positions))
	copy(ordered, c.Positions)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] > ordered[j] })
	// Drop repeats, a position can only be removed once
	result := []uint64{}
	for idx, position := range ordered {
		if idx > 0 && ordered[idx-1] == position {
			continue
		}
		result = append(result, position)
	}
	return result
}

// Execute perform the command against the player
func (c *PlaylistRemoveCommand) Execute(
	ctxt context.Context, player backend.Player,
) (interface{}, error) {
	for _, position := range c.RemovalOrder() {
		if err := player.PlaylistRemove(ctxt, position); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// PlaylistMoveCommand move a playlist entry
type PlaylistMoveCommand struct {
	From *uint64 `json:"from" validate:"required"`
	To   *uint64 `json:"to" validate:"required"`
}

// Name the command type tag
func (c *PlaylistMoveCommand) Name() string { return CmdPlaylistMove }

// Execute perform the command against the player
func (c *PlaylistMoveCommand) Execute(
	ctxt context.Context, player backend.Player,
) (interface{}, error) {
	return nil, player.PlaylistMove(ctxt, *c.From, *c.To)
}

// ShuffleCommand shuffle the playlist
type ShuffleCommand struct{}

// Name the command type tag
func (c *ShuffleCommand) Name() string { return CmdShuffle }

// Execute perform the command against the player
func (c *ShuffleCommand) Execute(ctxt context.Context, player backend.Player) (interface{}, error) {
	return nil, player.PlaylistShuffle(ctxt)
}

// SetSubtitleTrackCommand select a subtitle track. A null track disables subtitles.
type SetSubtitleTrackCommand struct {
	Track *uint64 `json:"track"`
}

// Name the command type tag
func (c *SetSubtitleTrackCommand) Name() string { return CmdSetSubtitleTrack }

// Execute perform the command against the player
func (c *SetSubtitleTrackCommand) Execute(
	ctxt context.Context, player backend.Player,
) (interface{}, error) {
	return nil, player.SetSubtitleTrack(ctxt, c.Track)
}

// SetLoopingCommand enable or disable looping the playlist
type SetLoopingCommand struct {
	Value *bool `json:"value" validate:"required"`
}

// Name the command type tag
func (c *SetLoopingCommand) Name() string { return CmdSetLooping }

// Execute perform the command against the player
func (c *SetLoopingCommand) Execute(
	ctxt context.Context, player backend.Player,
) (interface{}, error) {
	return nil, player.SetLoopPlaylist(ctxt, *c.Value)
}

// ========================================================================================

var commandTypes = map[string]func() Command{
	CmdLoad:             func() Command { return &LoadCommand{} },
	CmdTogglePlayback:   func() Command { return &TogglePlaybackCommand{} },
	CmdVolume:           func() Command { return &VolumeCommand{} },
	CmdTime:             func() Command { return &TimeCommand{} },
	CmdPlaylistNext:     func() Command { return &PlaylistNextCommand{} },
	CmdPlaylistPrevious: func() Command { return &PlaylistPreviousCommand{} },
	CmdPlaylistGoto:     func() Command { return &PlaylistGotoCommand{} },
	CmdPlaylistClear:    func() Command { return &PlaylistClearCommand{} },
	CmdPlaylistRemove:   func() Command { return &PlaylistRemoveCommand{} },
	CmdPlaylistMove:     func() Command { return &PlaylistMoveCommand{} },
	CmdShuffle:          func() Command { return &ShuffleCommand{} },
	CmdSetSubtitleTrack: func() Command { return &SetSubtitleTrackCommand{} },
	CmdSetLooping:       func() Command { return &SetLoopingCommand{} },
}

type commandEnvelope struct {
	Type string `json:"type"`
}

// CommandDecoder parses observer messages into commands
type CommandDecoder struct {
	validate *validator.Validate
}

// GetCommandDecoder define a new CommandDecoder
func GetCommandDecoder() CommandDecoder {
	return CommandDecoder{validate: validator.New()}
}

// Decode parse one observer message
func (d CommandDecoder) Decode(payload []byte) (Command, error) {
	var envelope commandEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCommand, err.Error())
	}
	if envelope.Type == "" {
		return nil, fmt.Errorf("%w: missing command type", ErrInvalidCommand)
	}
	builder, ok := commandTypes[envelope.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, envelope.Type)
	}
	cmd := builder()
	if err := json.Unmarshal(payload, cmd); err != nil {
		return nil, fmt.Errorf("%w: %s %s", ErrInvalidCommand, envelope.Type, err.Error())
	}
	if err := d.validate.Struct(cmd); err != nil {
		return nil, fmt.Errorf("%w: %s %s", ErrInvalidCommand, envelope.Type, err.Error())
	}
	return cmd, nil
}
