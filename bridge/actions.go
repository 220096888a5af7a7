package bridge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/john/flashforge_bridge/coordinator"
)

// ErrUnknownAction is returned for action names with no handler.
var ErrUnknownAction = errors.New("unknown action")

// ActionParams is the union of all action arguments. Each action reads only
// the fields it needs.
type ActionParams struct {
	FilePath    string   `json:"file_path,omitempty"`
	State       *bool    `json:"state,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Speed       *int     `json:"speed,omitempty"`
	Percentage  *int     `json:"percentage,omitempty"`
	X           *float64 `json:"x,omitempty"`
	Y           *float64 `json:"y,omitempty"`
	Z           *float64 `json:"z,omitempty"`
	Feedrate    float64  `json:"feedrate,omitempty"`
	Axes        []string `json:"axes,omitempty"`
	HomeX       bool     `json:"home_x,omitempty"`
	HomeY       bool     `json:"home_y,omitempty"`
	HomeZ       bool     `json:"home_z,omitempty"`
	Pitch       *int     `json:"pitch,omitempty"`
	Duration    *int     `json:"duration,omitempty"`
	GCode       string   `json:"gcode,omitempty"`
}

type actionFunc func(ctx context.Context, c *coordinator.Coordinator, p ActionParams) (any, error)

// done wraps an action that only reports success.
// fn is a method expression such as (*coordinator.Coordinator).PausePrint.
func done(fn func(c *coordinator.Coordinator, ctx context.Context) error) actionFunc {
	return func(ctx context.Context, c *coordinator.Coordinator, _ ActionParams) (any, error) {
		if err := fn(c, ctx); err != nil {
			return nil, err
		}
		return "ok", nil
	}
}

func missing(name string) error {
	return fmt.Errorf("%w: %s is required", coordinator.ErrInvalidArgument, name)
}

var actions = map[string]actionFunc{
	coordinator.ActionPausePrint:             done((*coordinator.Coordinator).PausePrint),
	coordinator.ActionResumePrint:            done((*coordinator.Coordinator).ResumePrint),
	coordinator.ActionCancelPrint:            done((*coordinator.Coordinator).CancelPrint),
	coordinator.ActionTurnFanOff:             done((*coordinator.Coordinator).TurnFanOff),
	coordinator.ActionEmergencyStop:          done((*coordinator.Coordinator).EmergencyStop),
	coordinator.ActionDisableSteppers:        done((*coordinator.Coordinator).DisableSteppers),
	coordinator.ActionEnableSteppers:         done((*coordinator.Coordinator).EnableSteppers),
	coordinator.ActionStartBedLeveling:       done((*coordinator.Coordinator).StartBedLeveling),
	coordinator.ActionSaveSettings:           done((*coordinator.Coordinator).SaveSettingsToEEPROM),
	coordinator.ActionRestoreFactorySettings: done((*coordinator.Coordinator).RestoreFactorySettings),
	coordinator.ActionFilamentChange:         done((*coordinator.Coordinator).FilamentChange),

	coordinator.ActionStartPrint: func(ctx context.Context, c *coordinator.Coordinator, p ActionParams) (any, error) {
		return "ok", c.StartPrint(ctx, p.FilePath)
	},
	coordinator.ActionDeleteFile: func(ctx context.Context, c *coordinator.Coordinator, p ActionParams) (any, error) {
		return "ok", c.DeleteFile(ctx, p.FilePath)
	},
	coordinator.ActionToggleLight: func(ctx context.Context, c *coordinator.Coordinator, p ActionParams) (any, error) {
		if p.State == nil {
			return nil, missing("state")
		}
		return "ok", c.ToggleLight(ctx, *p.State)
	},
	coordinator.ActionSetExtruderTemp: func(ctx context.Context, c *coordinator.Coordinator, p ActionParams) (any, error) {
		if p.Temperature == nil {
			return nil, missing("temperature")
		}
		return "ok", c.SetExtruderTemperature(ctx, *p.Temperature)
	},
	coordinator.ActionSetBedTemp: func(ctx context.Context, c *coordinator.Coordinator, p ActionParams) (any, error) {
		if p.Temperature == nil {
			return nil, missing("temperature")
		}
		return "ok", c.SetBedTemperature(ctx, *p.Temperature)
	},
	coordinator.ActionSetFanSpeed: func(ctx context.Context, c *coordinator.Coordinator, p ActionParams) (any, error) {
		if p.Speed == nil {
			return nil, missing("speed")
		}
		return "ok", c.SetFanSpeed(ctx, *p.Speed)
	},
	coordinator.ActionMoveAxis: func(ctx context.Context, c *coordinator.Coordinator, p ActionParams) (any, error) {
		return "ok", c.MoveAxis(ctx, p.X, p.Y, p.Z, p.Feedrate)
	},
	coordinator.ActionMoveRelative: func(ctx context.Context, c *coordinator.Coordinator, p ActionParams) (any, error) {
		return "ok", c.MoveRelative(ctx, p.X, p.Y, p.Z, p.Feedrate)
	},
	coordinator.ActionHomeAxes: func(ctx context.Context, c *coordinator.Coordinator, p ActionParams) (any, error) {
		axes := slices.Clone(p.Axes)
		for axis, on := range map[string]bool{"X": p.HomeX, "Y": p.HomeY, "Z": p.HomeZ} {
			if on {
				axes = append(axes, axis)
			}
		}
		slices.Sort(axes)
		axes = slices.Compact(axes)
		return "ok", c.HomeAxes(ctx, axes...)
	},
	coordinator.ActionSetSpeedPercentage: func(ctx context.Context, c *coordinator.Coordinator, p ActionParams) (any, error) {
		if p.Percentage == nil {
			return nil, missing("percentage")
		}
		return "ok", c.SetSpeedPercentage(ctx, *p.Percentage)
	},
	coordinator.ActionSetFlowPercentage: func(ctx context.Context, c *coordinator.Coordinator, p ActionParams) (any, error) {
		if p.Percentage == nil {
			return nil, missing("percentage")
		}
		return "ok", c.SetFlowPercentage(ctx, *p.Percentage)
	},
	coordinator.ActionPlayBeep: func(ctx context.Context, c *coordinator.Coordinator, p ActionParams) (any, error) {
		if p.Pitch == nil || p.Duration == nil {
			return nil, missing("pitch and duration")
		}
		return "ok", c.PlayBeep(ctx, *p.Pitch, *p.Duration)
	},
	coordinator.ActionListFiles: func(ctx context.Context, c *coordinator.Coordinator, _ ActionParams) (any, error) {
		return c.ListFiles(ctx)
	},
	coordinator.ActionFirmwareCapabilities: func(ctx context.Context, c *coordinator.Coordinator, _ ActionParams) (any, error) {
		return c.ReportFirmwareCapabilities(ctx)
	},
	coordinator.ActionReadSettings: func(ctx context.Context, c *coordinator.Coordinator, _ ActionParams) (any, error) {
		return c.ReadSettingsFromEEPROM(ctx)
	},
	coordinator.ActionSendGCode: func(ctx context.Context, c *coordinator.Coordinator, p ActionParams) (any, error) {
		return c.SendGCode(ctx, p.GCode)
	},
	coordinator.ActionQueryEndstops: func(ctx context.Context, c *coordinator.Coordinator, _ ActionParams) (any, error) {
		return c.QueryEndstops(ctx)
	},
}

// ActionNames lists every action the bridge accepts, sorted.
func ActionNames() []string {
	names := make([]string, 0, len(actions))
	for name := range actions {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ActionInfo describes one action and whether the configuration allows it.
type ActionInfo struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// Actions lists every action with its enabled flag, sorted by name.
func (s *Server) Actions() []ActionInfo {
	names := ActionNames()
	out := make([]ActionInfo, len(names))
	for i, name := range names {
		out[i] = ActionInfo{Name: name, Enabled: s.coord.ActionEnabled(name)}
	}
	return out
}

// RunAction dispatches a named action to the coordinator.
func (s *Server) RunAction(ctx context.Context, name string, params ActionParams) (any, error) {
	fn, ok := actions[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}
	result, err := fn(ctx, s.coord, params)
	if err != nil {
		return nil, err
	}
	return result, nil
}
