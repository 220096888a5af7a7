package printer

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

const (
	fileListBegin = "begin file list"
	fileListEnd   = "end file list"
)

// Acknowledged reports whether reply contains the "ok" terminator line.
func Acknowledged(reply string) bool {
	for _, line := range replyLines(reply) {
		if strings.EqualFold(line, "ok") {
			return true
		}
	}
	return false
}

// replyLines splits a reply into trimmed, non-empty lines.
func replyLines(reply string) []string {
	raw := strings.FieldsFunc(reply, func(r rune) bool { return r == '\n' || r == '\r' })
	lines := raw[:0]
	for _, l := range raw {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// isFrameLine matches the echo and terminator lines wrapping every reply:
//
//	CMD M661 Received.
//	ok
func isFrameLine(line string) bool {
	if strings.EqualFold(line, "ok") {
		return true
	}
	return strings.HasPrefix(line, "CMD ") && strings.HasSuffix(line, "Received.")
}

// ParseFileList parses a file listing reply:
//
//	CMD M661 Received.
//	Begin file list
//	benchy.gcode
//	0:/user/cube.3mf
//	End file list
//	ok
//
// A missing end marker keeps the entries read so far. A missing begin marker
// falls back to every non-frame line.
func ParseFileList(reply string, logger *slog.Logger) []string {
	if logger == nil {
		logger = slog.Default()
	}

	files := []string{}
	lines := replyLines(reply)

	start := -1
	for i, l := range lines {
		if strings.EqualFold(l, fileListBegin) {
			start = i + 1
			break
		}
	}
	if start < 0 {
		logger.Warn("file list begin marker missing, scanning whole reply")
		start = 0
	}

	ended := false
	for _, l := range lines[start:] {
		if strings.EqualFold(l, fileListEnd) {
			ended = true
			break
		}
		if isFrameLine(l) {
			continue
		}
		name := stripStoragePrefix(l)
		if name == "" {
			logger.Warn("skipping empty file list entry", "line", l)
			continue
		}
		files = append(files, name)
	}
	if !ended {
		logger.Warn("file list end marker missing, returning partial listing", "entries", len(files))
	}
	return files
}

func stripStoragePrefix(name string) string {
	for _, p := range []string{"0:/user/", "0:/", "/data/", "/user/"} {
		name = strings.TrimPrefix(name, p)
	}
	return strings.TrimSpace(name)
}

// endstopToken matches "X-max:0", "Z-min: 1", "FilamentSensor:triggered".
var endstopToken = regexp.MustCompile(`([A-Za-z]+)(?:-(?:max|min))?\s*:\s*(\S+)`)

// ParseEndstops parses an M119 reply:
//
//	Endstop: X-max:0 Y-max:0 Z-min:1
//	MachineStatus: READY
//	MoveMode: READY
//	Status: S:0 L:0 J:0 F:0
//	LED: 1
//	CurrentFile:
//
// Unrecognised values leave the field unknown.
func ParseEndstops(reply string, logger *slog.Logger) EndstopReport {
	if logger == nil {
		logger = slog.Default()
	}
	var r EndstopReport

	for _, line := range replyLines(reply) {
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)

		switch strings.ToLower(key) {
		case "endstop":
			for _, m := range endstopToken.FindAllStringSubmatch(val, -1) {
				state := endstopState(m[2])
				if state == Unknown {
					logger.Warn("unrecognised endstop state", "token", m[0])
				}
				switch strings.ToUpper(m[1]) {
				case "X":
					r.X = state
				case "Y":
					r.Y = state
				case "Z":
					r.Z = state
				case "F", "FILAMENT", "FILAMENTSENSOR", "E":
					r.Filament = state
				default:
					logger.Warn("unrecognised endstop axis", "token", m[0])
				}
			}
		case "filament", "filamentsensor", "filament sensor":
			r.Filament = endstopState(val)
			if r.Filament == Unknown {
				logger.Warn("unrecognised filament sensor state", "value", val)
			}
		case "machinestatus":
			r.MachineStatus = val
		case "movemode":
			r.MoveMode = val
		case "led":
			r.LED = endstopState(val)
			if r.LED == Unknown {
				logger.Warn("unrecognised LED state", "value", val)
			}
		case "currentfile":
			r.CurrentFile = val
		}
	}
	return r
}

func endstopState(v string) Tristate {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "triggered", "true", "on", "yes":
		return True
	case "0", "open", "false", "off", "no":
		return False
	default:
		return Unknown
	}
}

// ParseBedLeveling reads the compensation flag from an M420 reply, e.g.
// "Bed leveling: 1", "Bed Leveling On" or "S:1".
func ParseBedLeveling(reply string, logger *slog.Logger) Tristate {
	if logger == nil {
		logger = slog.Default()
	}
	for _, line := range replyLines(reply) {
		if isFrameLine(line) {
			continue
		}
		lower := strings.ToLower(line)
		if !strings.Contains(lower, "level") && !strings.HasPrefix(lower, "s") {
			continue
		}
		fields := strings.FieldsFunc(lower, func(r rune) bool { return r == ':' || r == ' ' || r == '=' })
		for i := len(fields) - 1; i >= 0; i-- {
			switch fields[i] {
			case "1", "on", "enabled", "true", "active":
				return True
			case "0", "off", "disabled", "false", "inactive":
				return False
			}
		}
	}
	logger.Warn("bed leveling state not found in reply", "reply", truncate([]byte(reply), 200))
	return Unknown
}

// ParsePosition parses an M114 reply.
// Typical reply: "X:100.00 Y:200.00 Z:10.00 A:0 B:0"
func ParsePosition(reply string, logger *slog.Logger) Position {
	if logger == nil {
		logger = slog.Default()
	}
	var pos Position

	for _, line := range replyLines(reply) {
		if isFrameLine(line) {
			continue
		}
		// Only the first part; "Count" repeats stepper positions.
		if idx := strings.Index(line, "Count"); idx > 0 {
			line = line[:idx]
		}
		for _, part := range strings.Fields(line) {
			k, v, ok := strings.Cut(part, ":")
			if !ok {
				continue
			}
			var dst **float64
			switch k {
			case "X":
				dst = &pos.X
			case "Y":
				dst = &pos.Y
			case "Z":
				dst = &pos.Z
			default:
				continue
			}
			val, err := strconv.ParseFloat(v, 64)
			if err != nil {
				logger.Warn("unparseable position token", "token", part)
				continue
			}
			*dst = float64Ptr(val)
		}
	}
	return pos
}
