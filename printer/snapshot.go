package printer

import (
	"encoding/json"
	"time"
)

// Tristate is a boolean that may also be unknown.
type Tristate int8

const (
	Unknown Tristate = iota
	False
	True
)

func TristateOf(b bool) Tristate {
	if b {
		return True
	}
	return False
}

func (t Tristate) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes unknown as null.
func (t Tristate) MarshalJSON() ([]byte, error) {
	switch t {
	case True:
		return []byte("true"), nil
	case False:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

func (t *Tristate) UnmarshalJSON(b []byte) error {
	var v *bool
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	if v == nil {
		*t = Unknown
		return nil
	}
	*t = TristateOf(*v)
	return nil
}

// Temperature is a current/target pair. Nil fields are unknown.
type Temperature struct {
	Current *float64 `json:"current"`
	Target  *float64 `json:"target"`
}

// Position holds axis coordinates in millimetres. Nil fields are unknown.
type Position struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	Z *float64 `json:"z"`
}

// EndstopReport is the parsed M119 reply.
type EndstopReport struct {
	X             Tristate `json:"x"`
	Y             Tristate `json:"y"`
	Z             Tristate `json:"z"`
	Filament      Tristate `json:"filament"`
	MachineStatus string   `json:"machine_status,omitempty"`
	MoveMode      string   `json:"move_mode,omitempty"`
	LED           Tristate `json:"led"`
	CurrentFile   string   `json:"current_file,omitempty"`
}

// Snapshot is the consolidated view of the printer produced by one poll.
// Pointer fields set to nil and Tristate fields set to Unknown mean the value
// was absent or could not be coerced. A Snapshot is never mutated after it is
// published; the coordinator replaces it wholesale.
type Snapshot struct {
	// Fetched is false until the first successful poll.
	Fetched bool `json:"fetched"`
	// Stale is set when the latest refresh failed and this is the last good data.
	Stale     bool      `json:"stale"`
	FetchedAt time.Time `json:"fetched_at"`
	Connected bool      `json:"connected"`

	Code    *int   `json:"code"`
	Message string `json:"message,omitempty"`

	Status    string `json:"status"`
	ErrorCode string `json:"error_code,omitempty"`

	Extruder      Temperature `json:"extruder"`
	RightExtruder Temperature `json:"right_extruder"`
	Bed           Temperature `json:"bed"`
	Chamber       Temperature `json:"chamber"`

	Progress           *float64 `json:"progress"` // percent 0-100
	PrintFile          string   `json:"print_file,omitempty"`
	Layer              *int     `json:"layer"`
	TargetLayer        *int     `json:"target_layer"`
	ElapsedSeconds     *float64 `json:"elapsed_seconds"`
	RemainingSeconds   *float64 `json:"remaining_seconds"`
	PrintSpeed         *float64 `json:"print_speed"`  // mm/s
	SpeedAdjust        *float64 `json:"speed_adjust"` // percent
	FilamentType       string   `json:"filament_type,omitempty"`
	CumulativeFilament *float64 `json:"cumulative_filament"` // metres
	CumulativeTime     *float64 `json:"cumulative_print_time"`
	RemainingDisk      *float64 `json:"remaining_disk_space"`
	ZCompensation      *float64 `json:"z_axis_compensation"`
	TVOC               *float64 `json:"tvoc"`

	DoorOpen        Tristate `json:"door_open"`
	LightOn         Tristate `json:"light_on"`
	AutoShutdown    Tristate `json:"auto_shutdown"`
	ExternalFanOn   Tristate `json:"external_fan_on"`
	InternalFanOn   Tristate `json:"internal_fan_on"`
	CoolingFanSpeed *float64 `json:"cooling_fan_speed"` // rpm
	ChamberFanSpeed *float64 `json:"chamber_fan_speed"` // rpm
	FirmwareVersion string   `json:"firmware_version,omitempty"`
	IPAddress       string   `json:"ip_address,omitempty"`
	MACAddress      string   `json:"mac_address,omitempty"`
	Name            string   `json:"name,omitempty"`
	Model           string   `json:"model,omitempty"`
	CameraStreamURL string   `json:"camera_stream_url,omitempty"`
	NozzleModel     string   `json:"nozzle_model,omitempty"`

	// Populated from TCP queries.
	Position       Position      `json:"position"`
	Endstops       EndstopReport `json:"endstops"`
	BedLeveling    Tristate      `json:"bed_leveling"`
	PrintableFiles []string      `json:"printable_files"`
}

// NewSnapshot returns the pre-fetch snapshot: everything unknown, not connected.
func NewSnapshot() Snapshot {
	return Snapshot{Status: StatusUnknown}
}

// StatusUnknown is the status reported before the first successful poll.
const StatusUnknown = "UNKNOWN"

func float64Ptr(v float64) *float64 { return &v }

func intPtr(v int) *int { return &v }
