package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/john/flashforge_bridge/printer"
)

var (
	// ErrInvalidArgument is returned before any I/O when an action argument
	// is out of range.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrActionDisabled is returned for actions listed in DisabledActions.
	ErrActionDisabled = errors.New("action disabled")
)

// Action names, used by DisabledActions and the bridge API.
const (
	ActionPausePrint             = "pause_print"
	ActionResumePrint            = "resume_print"
	ActionCancelPrint            = "cancel_print"
	ActionStartPrint             = "start_print"
	ActionToggleLight            = "toggle_light"
	ActionSetExtruderTemp        = "set_extruder_temperature"
	ActionSetBedTemp             = "set_bed_temperature"
	ActionSetFanSpeed            = "set_fan_speed"
	ActionTurnFanOff             = "turn_fan_off"
	ActionMoveAxis               = "move_axis"
	ActionMoveRelative           = "move_relative"
	ActionHomeAxes               = "home_axes"
	ActionDeleteFile             = "delete_file"
	ActionDisableSteppers        = "disable_steppers"
	ActionEnableSteppers         = "enable_steppers"
	ActionSetSpeedPercentage     = "set_speed_percentage"
	ActionSetFlowPercentage      = "set_flow_percentage"
	ActionEmergencyStop          = "emergency_stop"
	ActionListFiles              = "list_files"
	ActionFirmwareCapabilities   = "report_firmware_capabilities"
	ActionPlayBeep               = "play_beep"
	ActionStartBedLeveling       = "start_bed_leveling"
	ActionSaveSettings           = "save_settings_to_eeprom"
	ActionReadSettings           = "read_settings_from_eeprom"
	ActionRestoreFactorySettings = "restore_factory_settings"
	ActionFilamentChange         = "filament_change"
	ActionSendGCode              = "send_gcode"
	ActionQueryEndstops          = "query_endstops"
)

// Argument limits.
const (
	MaxExtruderTemp = 300
	MaxBedTemp      = 120
	MaxFanSpeed     = 255
	MinSpeedPercent = 10
	MaxSpeedPercent = 500
	MinFlowPercent  = 50
	MaxFlowPercent  = 200
	MaxBeepValue    = 10000
)

// ActionEnabled reports whether action is absent from the disabled list.
func (c *Coordinator) ActionEnabled(action string) bool {
	return c.allowed(action) == nil
}

func (c *Coordinator) allowed(action string) error {
	if slices.Contains(c.cfg.DisabledActions, action) {
		return fmt.Errorf("%w: %s", ErrActionDisabled, action)
	}
	return nil
}

// run checks the action is enabled and sends cmd.
func (c *Coordinator) run(ctx context.Context, action, cmd string) (string, error) {
	if err := c.allowed(action); err != nil {
		return "", err
	}
	return c.SendCommand(ctx, cmd)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func checkRange(name string, v, lo, hi float64) error {
	if math.IsNaN(v) || v < lo || v > hi {
		return invalid("%s %v outside %v-%v", name, v, lo, hi)
	}
	return nil
}

func (c *Coordinator) PausePrint(ctx context.Context) error {
	_, err := c.run(ctx, ActionPausePrint, printer.CmdPause)
	return err
}

func (c *Coordinator) ResumePrint(ctx context.Context) error {
	_, err := c.run(ctx, ActionResumePrint, printer.CmdResume)
	return err
}

func (c *Coordinator) CancelPrint(ctx context.Context) error {
	_, err := c.run(ctx, ActionCancelPrint, printer.CmdCancel)
	return err
}

// StartPrint starts printing a file already stored on the printer.
func (c *Coordinator) StartPrint(ctx context.Context, path string) error {
	if strings.TrimSpace(path) == "" {
		return invalid("file path is required")
	}
	_, err := c.run(ctx, ActionStartPrint, printer.StartPrintCommand(path))
	return err
}

func (c *Coordinator) ToggleLight(ctx context.Context, on bool) error {
	_, err := c.run(ctx, ActionToggleLight, printer.LightCommand(on))
	return err
}

func (c *Coordinator) SetExtruderTemperature(ctx context.Context, celsius float64) error {
	if err := checkRange("extruder temperature", celsius, 0, MaxExtruderTemp); err != nil {
		return err
	}
	_, err := c.run(ctx, ActionSetExtruderTemp, printer.ExtruderTempCommand(celsius))
	return err
}

func (c *Coordinator) SetBedTemperature(ctx context.Context, celsius float64) error {
	if err := checkRange("bed temperature", celsius, 0, MaxBedTemp); err != nil {
		return err
	}
	_, err := c.run(ctx, ActionSetBedTemp, printer.BedTempCommand(celsius))
	return err
}

func (c *Coordinator) SetFanSpeed(ctx context.Context, speed int) error {
	if err := checkRange("fan speed", float64(speed), 0, MaxFanSpeed); err != nil {
		return err
	}
	_, err := c.run(ctx, ActionSetFanSpeed, printer.FanSpeedCommand(speed))
	return err
}

func (c *Coordinator) TurnFanOff(ctx context.Context) error {
	_, err := c.run(ctx, ActionTurnFanOff, printer.CmdFanOff)
	return err
}

// MoveAxis moves to absolute coordinates. Nil axes are left alone.
func (c *Coordinator) MoveAxis(ctx context.Context, x, y, z *float64, feed float64) error {
	if x == nil && y == nil && z == nil {
		return invalid("at least one axis is required")
	}
	if feed < 0 {
		return invalid("feed rate %v is negative", feed)
	}
	_, err := c.run(ctx, ActionMoveAxis, printer.MoveCommand(x, y, z, feed))
	return err
}

// MoveRelative switches to relative mode, moves, and switches back. Absolute
// mode is restored even when the move fails.
func (c *Coordinator) MoveRelative(ctx context.Context, x, y, z *float64, feed float64) error {
	if x == nil && y == nil && z == nil {
		return invalid("at least one axis is required")
	}
	if feed < 0 {
		return invalid("feed rate %v is negative", feed)
	}
	if err := c.allowed(ActionMoveRelative); err != nil {
		return err
	}
	if _, err := c.SendCommand(ctx, printer.CmdRelativeMode); err != nil {
		return err
	}
	_, moveErr := c.SendCommand(ctx, printer.MoveCommand(x, y, z, feed))
	_, absErr := c.SendCommand(ctx, printer.CmdAbsoluteMode)
	return errors.Join(moveErr, absErr)
}

// HomeAxes homes the given axes (any of x, y, z), or all when none given.
func (c *Coordinator) HomeAxes(ctx context.Context, axes ...string) error {
	for _, a := range axes {
		switch strings.ToUpper(strings.TrimSpace(a)) {
		case "X", "Y", "Z":
		default:
			return invalid("unknown axis %q", a)
		}
	}
	_, err := c.run(ctx, ActionHomeAxes, printer.HomeCommand(axes...))
	return err
}

func (c *Coordinator) DeleteFile(ctx context.Context, path string) error {
	if strings.TrimSpace(path) == "" {
		return invalid("file path is required")
	}
	_, err := c.run(ctx, ActionDeleteFile, printer.DeleteFileCommand(path))
	return err
}

func (c *Coordinator) DisableSteppers(ctx context.Context) error {
	_, err := c.run(ctx, ActionDisableSteppers, printer.CmdDisableSteppers)
	return err
}

func (c *Coordinator) EnableSteppers(ctx context.Context) error {
	_, err := c.run(ctx, ActionEnableSteppers, printer.CmdEnableSteppers)
	return err
}

func (c *Coordinator) SetSpeedPercentage(ctx context.Context, percent int) error {
	if err := checkRange("speed percentage", float64(percent), MinSpeedPercent, MaxSpeedPercent); err != nil {
		return err
	}
	_, err := c.run(ctx, ActionSetSpeedPercentage, printer.SpeedPercentCommand(percent))
	return err
}

func (c *Coordinator) SetFlowPercentage(ctx context.Context, percent int) error {
	if err := checkRange("flow percentage", float64(percent), MinFlowPercent, MaxFlowPercent); err != nil {
		return err
	}
	_, err := c.run(ctx, ActionSetFlowPercentage, printer.FlowPercentCommand(percent))
	return err
}

func (c *Coordinator) EmergencyStop(ctx context.Context) error {
	_, err := c.run(ctx, ActionEmergencyStop, printer.CmdEmergencyStop)
	return err
}

// ListFiles fetches the printable file list and stores it in the snapshot.
func (c *Coordinator) ListFiles(ctx context.Context) ([]string, error) {
	reply, err := c.run(ctx, ActionListFiles, printer.CmdListFiles)
	if err != nil {
		return nil, err
	}
	files := printer.ParseFileList(reply, c.log)

	c.mu.Lock()
	snap := c.snapshot
	snap.PrintableFiles = files
	c.snapshot = snap
	c.mu.Unlock()

	return slices.Clone(files), nil
}

// ReportFirmwareCapabilities returns the raw M115 reply.
func (c *Coordinator) ReportFirmwareCapabilities(ctx context.Context) (string, error) {
	return c.run(ctx, ActionFirmwareCapabilities, printer.CmdFirmwareInfo)
}

func (c *Coordinator) PlayBeep(ctx context.Context, pitch, duration int) error {
	if err := checkRange("pitch", float64(pitch), 0, MaxBeepValue); err != nil {
		return err
	}
	if err := checkRange("duration", float64(duration), 0, MaxBeepValue); err != nil {
		return err
	}
	_, err := c.run(ctx, ActionPlayBeep, printer.BeepCommand(pitch, duration))
	return err
}

func (c *Coordinator) StartBedLeveling(ctx context.Context) error {
	_, err := c.run(ctx, ActionStartBedLeveling, printer.CmdBedLevel)
	return err
}

func (c *Coordinator) SaveSettingsToEEPROM(ctx context.Context) error {
	_, err := c.run(ctx, ActionSaveSettings, printer.CmdSaveSettings)
	return err
}

func (c *Coordinator) ReadSettingsFromEEPROM(ctx context.Context) (string, error) {
	return c.run(ctx, ActionReadSettings, printer.CmdLoadSettings)
}

func (c *Coordinator) RestoreFactorySettings(ctx context.Context) error {
	_, err := c.run(ctx, ActionRestoreFactorySettings, printer.CmdFactoryReset)
	return err
}

func (c *Coordinator) FilamentChange(ctx context.Context) error {
	_, err := c.run(ctx, ActionFilamentChange, printer.CmdFilamentChange)
	return err
}

// SendGCode passes a raw command through unchanged.
func (c *Coordinator) SendGCode(ctx context.Context, gcode string) (string, error) {
	if strings.TrimSpace(gcode) == "" {
		return "", invalid("gcode is required")
	}
	return c.run(ctx, ActionSendGCode, gcode)
}

// QueryEndstops runs M119 and stores the result in the snapshot.
func (c *Coordinator) QueryEndstops(ctx context.Context) (printer.EndstopReport, error) {
	reply, err := c.run(ctx, ActionQueryEndstops, printer.CmdEndstops)
	if err != nil {
		return printer.EndstopReport{}, err
	}
	report := printer.ParseEndstops(reply, c.log)

	c.mu.Lock()
	snap := c.snapshot
	snap.Endstops = report
	c.snapshot = snap
	c.mu.Unlock()

	return report, nil
}
