package printer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
)

// ParseStatus maps a /detail object onto a Snapshot. It never fails: a field
// that is present but cannot be coerced is logged and left unknown, and every
// other field is still extracted. Connectivity and freshness flags are left
// for the caller.
func ParseStatus(detail map[string]any, logger *slog.Logger) Snapshot {
	if logger == nil {
		logger = slog.Default()
	}
	f := fieldReader{detail: detail, log: logger}

	snap := NewSnapshot()
	if s := f.str("status"); s != "" {
		snap.Status = strings.ToUpper(s)
	}
	snap.ErrorCode = f.str("errorCode")

	snap.Extruder = Temperature{Current: f.num("leftTemp", "nozzleTemp"), Target: f.num("leftTargetTemp", "nozzleTargetTemp")}
	snap.RightExtruder = Temperature{Current: f.num("rightTemp"), Target: f.num("rightTargetTemp")}
	snap.Bed = Temperature{Current: f.num("platTemp"), Target: f.num("platTargetTemp")}
	snap.Chamber = Temperature{Current: f.num("chamberTemp"), Target: f.num("chamberTargetTemp")}

	// printProgress is a 0-1 fraction on current firmware; progress is a percent.
	if p := f.num("printProgress"); p != nil {
		v := *p
		if v <= 1 {
			v *= 100
		}
		snap.Progress = float64Ptr(v)
	} else {
		snap.Progress = f.num("progress")
	}
	if snap.Progress != nil && (*snap.Progress < 0 || *snap.Progress > 100) {
		logger.Warn("progress out of range, treating as unknown", "value", *snap.Progress)
		snap.Progress = nil
	}

	snap.PrintFile = f.str("printFileName")
	snap.Layer = f.integer("printLayer")
	snap.TargetLayer = f.integer("targetPrintLayer")
	snap.ElapsedSeconds = f.num("printDuration")
	snap.RemainingSeconds = f.num("estimatedTime")
	snap.PrintSpeed = f.num("currentPrintSpeed")
	if adj := f.num("printSpeedAdjust"); adj != nil {
		v := *adj
		if v <= 5 {
			v *= 100
		}
		snap.SpeedAdjust = float64Ptr(v)
	}
	snap.FilamentType = f.str("leftFilamentType")
	snap.CumulativeFilament = f.num("cumulativeFilament")
	snap.CumulativeTime = f.num("cumulativePrintTime")
	snap.RemainingDisk = f.num("remainingDiskSpace")
	snap.ZCompensation = f.num("zAxisCompensation")
	snap.TVOC = f.num("tvoc")

	snap.DoorOpen = f.flag("doorStatus", "open")
	snap.LightOn = f.flag("lightStatus", "open")
	snap.AutoShutdown = f.flag("autoShutdown", "open")
	snap.ExternalFanOn = f.flag("externalFanStatus", "open")
	snap.InternalFanOn = f.flag("internalFanStatus", "open")
	snap.CoolingFanSpeed = f.num("coolingFanSpeed")
	snap.ChamberFanSpeed = f.num("chamberFanSpeed")

	snap.FirmwareVersion = f.str("firmwareVersion")
	snap.IPAddress = f.str("ipAddr")
	snap.MACAddress = f.str("macAddr")
	snap.Name = f.str("name")
	snap.Model = f.str("model")
	snap.CameraStreamURL = f.str("cameraStreamUrl")
	snap.NozzleModel = f.str("nozzleModel")

	return snap
}

type fieldReader struct {
	detail map[string]any
	log    *slog.Logger
}

// num returns the first present key coerced to a float, or nil.
func (f fieldReader) num(keys ...string) *float64 {
	for _, k := range keys {
		v, ok := f.detail[k]
		if !ok || v == nil {
			continue
		}
		n, err := coerceFloat(v)
		if err != nil {
			f.log.Warn("unparseable status field, treating as unknown", "field", k, "value", v, "error", err)
			return nil
		}
		return &n
	}
	return nil
}

func (f fieldReader) integer(key string) *int {
	n := f.num(key)
	if n == nil {
		return nil
	}
	return intPtr(int(math.Round(*n)))
}

func (f fieldReader) str(key string) string {
	v, ok := f.detail[key]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64, json.Number, bool:
		return fmt.Sprint(val)
	default:
		f.log.Warn("unexpected status field type, treating as unknown", "field", key, "type", fmt.Sprintf("%T", v))
		return ""
	}
}

// flag maps an "open"/"close" style string onto a Tristate.
func (f fieldReader) flag(key, on string) Tristate {
	v, ok := f.detail[key]
	if !ok || v == nil {
		return Unknown
	}
	switch val := v.(type) {
	case bool:
		return TristateOf(val)
	case string:
		s := strings.ToLower(strings.TrimSpace(val))
		switch s {
		case on, "on", "true", "1":
			return True
		case "close", "closed", "off", "false", "0":
			return False
		}
	}
	f.log.Warn("unrecognised status flag, treating as unknown", "field", key, "value", v)
	return Unknown
}

// coerceFloat accepts JSON numbers and numeric strings such as "42", "42%"
// or " 210.5 ".
func coerceFloat(v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return checkFinite(val)
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case json.Number:
		n, err := val.Float64()
		if err != nil {
			return 0, err
		}
		return checkFinite(n)
	case string:
		s := strings.TrimSpace(val)
		s = strings.TrimSuffix(s, "%")
		n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", val)
		}
		return checkFinite(n)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func checkFinite(n float64) (float64, error) {
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, fmt.Errorf("not finite: %v", n)
	}
	return n, nil
}
