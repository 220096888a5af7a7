package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/flashforge_bridge/printer"
)

func TestSendCommand_PauseWithoutAckFails(t *testing.T) {
	cmd := &MockCommander{SendFn: func(ctx context.Context, c string) (string, error) {
		return "CMD M25 Received.\r\n", nil
	}}
	var delays []time.Duration
	c := newTestCoordinator(t, baseConfig(), &MockFetcher{}, cmd, &delays)

	err := c.PausePrint(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, printer.ErrCommand)
	assert.Contains(t, err.Error(), "not acknowledged")

	assert.Equal(t, []string{"M25", "M25", "M25"}, cmd.Sent())
	assert.Equal(t, []time.Duration{2 * time.Second, 3 * time.Second}, delays)

	records := c.Commands()
	require.Len(t, records, 3)
	for i, r := range records {
		assert.Equal(t, "M25", r.Command)
		assert.False(t, r.Success)
		assert.Equal(t, i+1, r.Attempt)
		assert.Equal(t, "CMD M25 Received.", strings.TrimSpace(r.Response))
	}

	errs := c.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, printer.KindCommand, errs[0].Kind)
}

func TestSendCommand_RetriesTransportError(t *testing.T) {
	var n atomic.Int32
	cmd := &MockCommander{SendFn: func(ctx context.Context, c string) (string, error) {
		if n.Add(1) == 1 {
			return "", &printer.Error{Kind: printer.KindConnection, Err: errors.New("connection reset")}
		}
		return "CMD M24 Received.\r\nok", nil
	}}
	c := newTestCoordinator(t, baseConfig(), &MockFetcher{}, cmd, nil)

	require.NoError(t, c.ResumePrint(context.Background()))
	records := c.Commands()
	require.Len(t, records, 2)
	assert.False(t, records[0].Success)
	assert.Contains(t, records[0].Error, "connection reset")
	assert.True(t, records[1].Success)
	assert.Empty(t, c.Errors())
}

func TestSendCommand_WrapsLastCause(t *testing.T) {
	cmd := &MockCommander{SendFn: func(ctx context.Context, c string) (string, error) {
		return "", &printer.Error{Kind: printer.KindTimeout, Err: errors.New("no reply")}
	}}
	c := newTestCoordinator(t, baseConfig(), &MockFetcher{}, cmd, nil)

	_, err := c.SendCommand(context.Background(), "M115")
	require.Error(t, err)
	assert.ErrorIs(t, err, printer.ErrCommand)
	assert.ErrorIs(t, err, printer.ErrTimeout)
	assert.Equal(t, printer.KindCommand, printer.KindOf(err))
}

func TestSendCommand_CancelledBetweenAttempts(t *testing.T) {
	cmd := &MockCommander{SendFn: func(ctx context.Context, c string) (string, error) {
		return "", &printer.Error{Kind: printer.KindConnection, Err: errors.New("refused")}
	}}
	c := newTestCoordinator(t, baseConfig(), &MockFetcher{}, cmd, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.SendCommand(ctx, "M25")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, cmd.Sent(), 1)
}

func TestSendCommand_ResponseExcerptBounded(t *testing.T) {
	long := strings.Repeat("x", 500) + "\r\nok"
	cmd := &MockCommander{SendFn: func(ctx context.Context, c string) (string, error) {
		return long, nil
	}}
	c := newTestCoordinator(t, baseConfig(), &MockFetcher{}, cmd, nil)

	reply, err := c.SendCommand(context.Background(), "M115")
	require.NoError(t, err)
	assert.Equal(t, long, reply)
	assert.Len(t, c.Commands()[0].Response, excerptLen)
}

func TestSendCommand_HistoryBounded(t *testing.T) {
	cfg := baseConfig()
	cfg.CommandHistory = 3
	cmd := &MockCommander{}
	c := newTestCoordinator(t, cfg, &MockFetcher{}, cmd, nil)

	for _, g := range []string{"G28", "M17", "M18", "M107", "M112"} {
		_, err := c.SendCommand(context.Background(), g)
		require.NoError(t, err)
	}
	records := c.Commands()
	require.Len(t, records, 3)
	assert.Equal(t, "M18", records[0].Command)
	assert.Equal(t, "M112", records[2].Command)
	assert.Equal(t, uint64(5), c.Diagnostics().TotalCommands)
}

func TestSendCommand_Empty(t *testing.T) {
	cmd := &MockCommander{}
	c := newTestCoordinator(t, baseConfig(), &MockFetcher{}, cmd, nil)
	_, err := c.SendCommand(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Empty(t, cmd.Sent())
}

func TestSendCommand_NoCommander(t *testing.T) {
	c := newTestCoordinator(t, baseConfig(), &MockFetcher{}, nil, nil)
	_, err := c.SendCommand(context.Background(), "M25")
	assert.ErrorIs(t, err, printer.ErrCommand)
}

func TestActions_Commands(t *testing.T) {
	ctx := context.Background()
	x, y, z := 10.0, 20.0, 0.5

	tests := []struct {
		name string
		call func(c *Coordinator) error
		want []string
	}{
		{"pause", func(c *Coordinator) error { return c.PausePrint(ctx) }, []string{"M25"}},
		{"resume", func(c *Coordinator) error { return c.ResumePrint(ctx) }, []string{"M24"}},
		{"cancel", func(c *Coordinator) error { return c.CancelPrint(ctx) }, []string{"M26"}},
		{"start", func(c *Coordinator) error { return c.StartPrint(ctx, "benchy.gcode") }, []string{"M23 0:/user/benchy.gcode"}},
		{"light on", func(c *Coordinator) error { return c.ToggleLight(ctx, true) }, []string{"M146 r255 g255 b255 F0"}},
		{"light off", func(c *Coordinator) error { return c.ToggleLight(ctx, false) }, []string{"M146 r0 g0 b0 F0"}},
		{"extruder", func(c *Coordinator) error { return c.SetExtruderTemperature(ctx, 210) }, []string{"M104 S210"}},
		{"bed", func(c *Coordinator) error { return c.SetBedTemperature(ctx, 60) }, []string{"M140 S60"}},
		{"fan", func(c *Coordinator) error { return c.SetFanSpeed(ctx, 255) }, []string{"M106 S255"}},
		{"fan off", func(c *Coordinator) error { return c.TurnFanOff(ctx) }, []string{"M107"}},
		{"move", func(c *Coordinator) error { return c.MoveAxis(ctx, &x, &y, nil, 3000) }, []string{"G1 X10 Y20 F3000"}},
		{"move relative", func(c *Coordinator) error { return c.MoveRelative(ctx, nil, nil, &z, 0) }, []string{"G91", "G1 Z0.5", "G90"}},
		{"home all", func(c *Coordinator) error { return c.HomeAxes(ctx) }, []string{"G28"}},
		{"home xy", func(c *Coordinator) error { return c.HomeAxes(ctx, "x", "y") }, []string{"G28 X Y"}},
		{"steppers off", func(c *Coordinator) error { return c.DisableSteppers(ctx) }, []string{"M18"}},
		{"steppers on", func(c *Coordinator) error { return c.EnableSteppers(ctx) }, []string{"M17"}},
		{"speed", func(c *Coordinator) error { return c.SetSpeedPercentage(ctx, 150) }, []string{"M220 S150"}},
		{"flow", func(c *Coordinator) error { return c.SetFlowPercentage(ctx, 95) }, []string{"M221 S95"}},
		{"estop", func(c *Coordinator) error { return c.EmergencyStop(ctx) }, []string{"M112"}},
		{"beep", func(c *Coordinator) error { return c.PlayBeep(ctx, 1000, 500) }, []string{"M300 S1000 P500"}},
		{"level", func(c *Coordinator) error { return c.StartBedLeveling(ctx) }, []string{"G29"}},
		{"save", func(c *Coordinator) error { return c.SaveSettingsToEEPROM(ctx) }, []string{"M500"}},
		{"load", func(c *Coordinator) error { _, err := c.ReadSettingsFromEEPROM(ctx); return err }, []string{"M501"}},
		{"reset", func(c *Coordinator) error { return c.RestoreFactorySettings(ctx) }, []string{"M502"}},
		{"filament", func(c *Coordinator) error { return c.FilamentChange(ctx) }, []string{"M600"}},
		{"firmware", func(c *Coordinator) error { _, err := c.ReportFirmwareCapabilities(ctx); return err }, []string{"M115"}},
		{"gcode", func(c *Coordinator) error { _, err := c.SendGCode(ctx, "M104 S0"); return err }, []string{"M104 S0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &MockCommander{}
			c := newTestCoordinator(t, baseConfig(), &MockFetcher{}, cmd, nil)
			require.NoError(t, tt.call(c))
			assert.Equal(t, tt.want, cmd.Sent())
		})
	}
}

func TestActions_InvalidArguments(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		call func(c *Coordinator) error
	}{
		{"fan too fast", func(c *Coordinator) error { return c.SetFanSpeed(ctx, 256) }},
		{"fan negative", func(c *Coordinator) error { return c.SetFanSpeed(ctx, -1) }},
		{"speed low", func(c *Coordinator) error { return c.SetSpeedPercentage(ctx, 9) }},
		{"speed high", func(c *Coordinator) error { return c.SetSpeedPercentage(ctx, 501) }},
		{"flow low", func(c *Coordinator) error { return c.SetFlowPercentage(ctx, 49) }},
		{"flow high", func(c *Coordinator) error { return c.SetFlowPercentage(ctx, 201) }},
		{"beep pitch", func(c *Coordinator) error { return c.PlayBeep(ctx, 10001, 1) }},
		{"beep duration", func(c *Coordinator) error { return c.PlayBeep(ctx, 1, -1) }},
		{"extruder hot", func(c *Coordinator) error { return c.SetExtruderTemperature(ctx, 400) }},
		{"bed cold", func(c *Coordinator) error { return c.SetBedTemperature(ctx, -5) }},
		{"start no file", func(c *Coordinator) error { return c.StartPrint(ctx, " ") }},
		{"move nothing", func(c *Coordinator) error { return c.MoveAxis(ctx, nil, nil, nil, 100) }},
		{"home bad axis", func(c *Coordinator) error { return c.HomeAxes(ctx, "q") }},
		{"empty gcode", func(c *Coordinator) error { _, err := c.SendGCode(ctx, ""); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &MockCommander{}
			c := newTestCoordinator(t, baseConfig(), &MockFetcher{}, cmd, nil)
			err := tt.call(c)
			assert.ErrorIs(t, err, ErrInvalidArgument)
			assert.Empty(t, cmd.Sent())
		})
	}
}

func TestActions_DeleteFileDisabledByDefault(t *testing.T) {
	cmd := &MockCommander{}
	c := newTestCoordinator(t, baseConfig(), &MockFetcher{}, cmd, nil)

	assert.False(t, c.ActionEnabled(ActionDeleteFile))
	assert.True(t, c.ActionEnabled(ActionPausePrint))
	err := c.DeleteFile(context.Background(), "old.gcode")
	assert.ErrorIs(t, err, ErrActionDisabled)
	assert.Empty(t, cmd.Sent())

	cfg := baseConfig()
	cfg.DisabledActions = []string{}
	c = newTestCoordinator(t, cfg, &MockFetcher{}, cmd, nil)
	assert.True(t, c.ActionEnabled(ActionDeleteFile))
	require.NoError(t, c.DeleteFile(context.Background(), "old.gcode"))
	assert.Equal(t, []string{"M30 0:/user/old.gcode"}, cmd.Sent())
}

func TestActions_MoveRelativeRestoresAbsolute(t *testing.T) {
	cmd := &MockCommander{SendFn: func(ctx context.Context, c string) (string, error) {
		if strings.HasPrefix(c, "G1") {
			return "error", nil
		}
		return "ok", nil
	}}
	c := newTestCoordinator(t, baseConfig(), &MockFetcher{}, cmd, nil)
	x := 5.0

	err := c.MoveRelative(context.Background(), &x, nil, nil, 0)
	require.ErrorIs(t, err, printer.ErrCommand)
	sent := cmd.Sent()
	assert.Equal(t, "G91", sent[0])
	assert.Equal(t, "G90", sent[len(sent)-1])
}

func TestListFiles_UpdatesSnapshot(t *testing.T) {
	cmd := &MockCommander{SendFn: func(ctx context.Context, c string) (string, error) {
		return "CMD M661 Received.\r\nBegin file list\r\none.gcode\r\ntwo.gcode\r\nEnd file list\r\nok", nil
	}}
	c := newTestCoordinator(t, baseConfig(), &MockFetcher{}, cmd, nil)

	files, err := c.ListFiles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"one.gcode", "two.gcode"}, files)
	assert.Equal(t, files, c.Snapshot().PrintableFiles)
}

func TestQueryEndstops_UpdatesSnapshot(t *testing.T) {
	cmd := &MockCommander{SendFn: func(ctx context.Context, c string) (string, error) {
		return "CMD M119 Received.\r\nEndstop: X-max:1 Y-max:1 Z-min:0\r\nok", nil
	}}
	c := newTestCoordinator(t, baseConfig(), &MockFetcher{}, cmd, nil)

	report, err := c.QueryEndstops(context.Background())
	require.NoError(t, err)
	assert.Equal(t, printer.True, report.X)
	assert.Equal(t, printer.False, report.Z)
	assert.Equal(t, report, c.Snapshot().Endstops)
}

func TestReadOnlyQueriesAreRepeatable(t *testing.T) {
	cmd := &MockCommander{SendFn: func(ctx context.Context, c string) (string, error) {
		switch c {
		case printer.CmdEndstops:
			return "CMD M119 Received.\r\nEndstop: X-max:0 Y-max:1 Z-min:0\r\nMachineStatus: READY\r\nLED: 1\r\nok", nil
		case printer.CmdListFiles:
			return "CMD M661 Received.\r\nBegin file list\r\nbenchy.gcode\r\nEnd file list\r\nok", nil
		}
		return "CMD " + c + " Received.\r\nok", nil
	}}
	c := newTestCoordinator(t, baseConfig(), &MockFetcher{}, cmd, nil)
	ctx := context.Background()

	first, err := c.QueryEndstops(ctx)
	require.NoError(t, err)
	second, err := c.QueryEndstops(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	files1, err := c.ListFiles(ctx)
	require.NoError(t, err)
	files2, err := c.ListFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, files1, files2)
	assert.Equal(t, []string{"benchy.gcode"}, files2)
}
