package printer

import (
	"fmt"
	"strconv"
	"strings"
)

// Fixed control-port commands.
const (
	CmdPause           = "M25"
	CmdResume          = "M24"
	CmdCancel          = "M26"
	CmdFanOff          = "M107"
	CmdDisableSteppers = "M18"
	CmdEnableSteppers  = "M17"
	CmdEmergencyStop   = "M112"
	CmdFirmwareInfo    = "M115"
	CmdBedLevel        = "G29"
	CmdSaveSettings    = "M500"
	CmdLoadSettings    = "M501"
	CmdFactoryReset    = "M502"
	CmdFilamentChange  = "M600"
	CmdEndstops        = "M119"
	CmdPosition        = "M114"
	CmdBedLevelState   = "M420"
	CmdListFiles       = "M661"
	CmdRelativeMode    = "G91"
	CmdAbsoluteMode    = "G90"

	// PrintPathPrefix is the storage prefix the printer expects for files.
	PrintPathPrefix = "0:/user/"
)

// NormalizePrintPath returns path with the printer's storage prefix. An
// existing "0:/" prefix is kept and a leading "/" is dropped.
func NormalizePrintPath(path string) string {
	p := strings.TrimSpace(path)
	if strings.HasPrefix(p, "0:/") {
		return p
	}
	p = strings.TrimLeft(p, "/")
	return PrintPathPrefix + p
}

func StartPrintCommand(path string) string {
	return "M23 " + NormalizePrintPath(path)
}

func DeleteFileCommand(path string) string {
	return "M30 " + NormalizePrintPath(path)
}

// LightCommand switches the chamber LED to white or off.
func LightCommand(on bool) string {
	if on {
		return "M146 r255 g255 b255 F0"
	}
	return "M146 r0 g0 b0 F0"
}

func ExtruderTempCommand(celsius float64) string {
	return "M104 S" + formatNumber(celsius)
}

func BedTempCommand(celsius float64) string {
	return "M140 S" + formatNumber(celsius)
}

func FanSpeedCommand(speed int) string {
	return "M106 S" + strconv.Itoa(speed)
}

func SpeedPercentCommand(percent int) string {
	return "M220 S" + strconv.Itoa(percent)
}

func FlowPercentCommand(percent int) string {
	return "M221 S" + strconv.Itoa(percent)
}

func BeepCommand(pitch, duration int) string {
	return fmt.Sprintf("M300 S%d P%d", pitch, duration)
}

// MoveCommand builds a G1. Nil coordinates are omitted; feed <= 0 omits F.
func MoveCommand(x, y, z *float64, feed float64) string {
	var b strings.Builder
	b.WriteString("G1")
	for _, axis := range []struct {
		name string
		v    *float64
	}{{"X", x}, {"Y", y}, {"Z", z}} {
		if axis.v != nil {
			b.WriteString(" " + axis.name + formatNumber(*axis.v))
		}
	}
	if feed > 0 {
		b.WriteString(" F" + formatNumber(feed))
	}
	return b.String()
}

// HomeCommand builds a G28 for the given axes, or all axes when none given.
func HomeCommand(axes ...string) string {
	if len(axes) == 0 {
		return "G28"
	}
	parts := make([]string, 0, len(axes)+1)
	parts = append(parts, "G28")
	for _, a := range axes {
		parts = append(parts, strings.ToUpper(strings.TrimSpace(a)))
	}
	return strings.Join(parts, " ")
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
