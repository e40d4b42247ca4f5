package roborock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joshp123/robobridge/plugins/roborock/dispatch"
)

// Command names accepted by SendCommand and Execute.
const (
	CommandStart           = "start"
	CommandPause           = "pause"
	CommandResume          = "resume"
	CommandStop            = "stop"
	CommandGoHome          = "go_home"
	CommandLocate          = "locate"
	CommandStartRooms      = "start_rooms"
	CommandResumeRooms     = "resume_rooms"
	CommandChangeCleanMode = "change_clean_mode"
	CommandCustom          = "custom"

	CommandGetStatus      = "get_status"
	CommandGetRoomMap     = "get_room_map"
	CommandGetCleanMode   = "get_clean_mode"
	CommandGetMapInfo     = "get_map_info"
	CommandGetNetworkInfo = "get_network_info"
	CommandGetCustom      = "get_custom"
)

var ErrInvalidCommand = errors.New("invalid command")

// Command is a generic device command. Only the fields its name uses are
// read.
type Command struct {
	Name      string                     `json:"name"`
	RoomIDs   []int                      `json:"room_ids,omitempty"`
	Repeat    int                        `json:"repeat,omitempty"`
	MapID     int                        `json:"map_id,omitempty"`
	CleanMode *dispatch.CleanModeSetting `json:"clean_mode,omitempty"`
	Message   *dispatch.CustomMessage    `json:"message,omitempty"`
}

// Validate checks that the command carries what its name needs. Whether a
// room or map exists is left to the device.
func (c Command) Validate() error {
	switch c.Name {
	case CommandStart, CommandPause, CommandResume, CommandStop, CommandGoHome,
		CommandLocate, CommandResumeRooms, CommandGetStatus, CommandGetRoomMap,
		CommandGetCleanMode, CommandGetMapInfo, CommandGetNetworkInfo:
		return nil
	case CommandStartRooms:
		if len(c.RoomIDs) == 0 {
			return fmt.Errorf("%w: %s needs room_ids", ErrInvalidCommand, c.Name)
		}
		if c.Repeat < 0 {
			return fmt.Errorf("%w: negative repeat", ErrInvalidCommand)
		}
		return nil
	case CommandChangeCleanMode:
		if c.CleanMode == nil {
			return fmt.Errorf("%w: %s needs clean_mode", ErrInvalidCommand, c.Name)
		}
		return nil
	case CommandCustom, CommandGetCustom:
		if c.Message == nil || c.Message.Method == "" {
			return fmt.Errorf("%w: %s needs message.method", ErrInvalidCommand, c.Name)
		}
		return nil
	case "":
		return fmt.Errorf("%w: missing name", ErrInvalidCommand)
	default:
		return fmt.Errorf("%w: unknown command %q", ErrInvalidCommand, c.Name)
	}
}

// SendCommand runs a command and discards any result.
func (b *Bridge) SendCommand(ctx context.Context, duid string, cmd Command) error {
	_, err := b.Execute(ctx, duid, cmd)
	return err
}

// Execute runs a command. Reads return their result; a nil result from a
// read means the device generation does not support it.
func (b *Bridge) Execute(ctx context.Context, duid string, cmd Command) (any, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if cmd.Name == CommandGetStatus {
		return present(b.GetStatus(ctx, duid))
	}
	s, err := b.session(ctx, duid)
	if err != nil {
		return nil, err
	}
	d := s.dispatcher
	s.logger.Debug("executing command", "command", cmd.Name)

	switch cmd.Name {
	case CommandStart:
		return nil, d.StartCleaning(ctx)
	case CommandPause:
		return nil, d.PauseCleaning(ctx)
	case CommandResume:
		return nil, d.ResumeCleaning(ctx)
	case CommandStop:
		return nil, d.StopCleaning(ctx)
	case CommandGoHome:
		return nil, d.GoHome(ctx)
	case CommandLocate:
		return nil, d.FindMyRobot(ctx)
	case CommandStartRooms:
		return nil, d.StartRoomCleaning(ctx, cmd.RoomIDs, cmd.Repeat)
	case CommandResumeRooms:
		return nil, d.ResumeRoomCleaning(ctx)
	case CommandChangeCleanMode:
		return nil, b.changeCleanMode(ctx, s, *cmd.CleanMode)
	case CommandCustom:
		return nil, d.SendCustomMessage(ctx, *cmd.Message)
	case CommandGetCustom:
		return d.GetCustomMessage(ctx, *cmd.Message)
	case CommandGetRoomMap:
		return present(d.GetRoomMap(ctx, cmd.MapID))
	case CommandGetCleanMode:
		return present(d.GetCleanModeData(ctx))
	case CommandGetMapInfo:
		return present(d.GetMapInfo(ctx))
	case CommandGetNetworkInfo:
		return present(d.GetNetworkInfo(ctx))
	}
	return nil, fmt.Errorf("%w: unknown command %q", ErrInvalidCommand, cmd.Name)
}

// present turns a nil pointer result into an untyped nil.
func present[T any](v *T, err error) (any, error) {
	if err != nil || v == nil {
		return nil, err
	}
	return v, nil
}

// changeCleanMode applies a setting. A persisted setting becomes the
// device default; a one-off change is reverted to the default once the
// device goes back to idle.
func (b *Bridge) changeCleanMode(ctx context.Context, s *deviceSession, setting dispatch.CleanModeSetting) error {
	if err := s.dispatcher.ChangeCleanMode(ctx, setting); err != nil {
		return err
	}
	duid := s.device.DUID
	b.mu.Lock()
	defer b.mu.Unlock()
	if setting.Persist {
		setting.Persist = false
		b.defaults[duid] = setting
		delete(b.restore, duid)
		return nil
	}
	if _, ok := b.defaults[duid]; ok && !setting.Empty() {
		b.restore[duid] = true
	}
	return nil
}

func (b *Bridge) restoreCleanMode(duid string, setting dispatch.CleanModeSetting) {
	timeout := b.cfg.RPCTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), 4*timeout)
	defer cancel()
	d, err := b.Dispatcher(ctx, duid)
	if err != nil {
		b.logger.Warn("restore clean mode skipped", "duid", duid, "err", err)
		return
	}
	if err := d.ChangeCleanMode(ctx, setting); err != nil {
		b.logger.Warn("restore clean mode failed", "duid", duid, "err", err)
		return
	}
	b.logger.Info("restored default clean mode", "duid", duid)
}
