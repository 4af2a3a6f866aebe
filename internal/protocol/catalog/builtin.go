package catalog

import (
	"github.com/embarktrucks/applanix-driver/internal/protocol/field"
	"github.com/embarktrucks/applanix-driver/internal/protocol/frame"
	"github.com/embarktrucks/applanix-driver/internal/protocol/message"
)

// Group ids from the POS data interface.
const (
	GroupNavigation  uint16 = 1
	GroupPerformance uint16 = 2
	GroupGNSSPrimary uint16 = 3
	GroupIMUData     uint16 = 4
	GroupEvent1      uint16 = 5
	GroupEvent2      uint16 = 6
	GroupGeneral     uint16 = 10
	GroupDMI         uint16 = 15
)

// Message ids from the POS control interface.
const (
	MsgAck            uint16 = 0
	MsgNavModeControl uint16 = 50
	MsgSaveRestore    uint16 = 54
	MsgProgramControl uint16 = 90
)

// Auxiliary categories that can be switched off by schema name prefix.
const (
	CategoryRaw    = "raw"
	CategoryDMI    = "dmi"
	CategoryStatus = "status"
	CategoryEvents = "events"
)

var (
	f32 = field.Spec{Type: field.TypeFloat32}
	f64 = field.Spec{Type: field.TypeFloat64}
)

func named(name string, s field.Spec) field.Spec {
	s.Name = name
	return s
}

var timeDistance = field.Spec{Name: "td", Type: field.TypeGroup, Fields: []field.Spec{
	named("time1", f64),
	named("time2", f64),
	named("distance_tag", f64),
	{Name: "time_types", Type: field.TypeUint8},
	{Name: "distance_type", Type: field.TypeUint8},
}}

var navigationSolution = &message.Schema{Name: "nav", Fields: []field.Spec{
	timeDistance,
	named("latitude", f64),
	named("longitude", f64),
	named("altitude", f64),
	named("north_vel", f32),
	named("east_vel", f32),
	named("down_vel", f32),
	named("roll", f64),
	named("pitch", f64),
	named("heading", f64),
	named("wander", f64),
	named("track", f32),
	named("speed", f32),
	named("ang_rate_long", f32),
	named("ang_rate_trans", f32),
	named("ang_rate_down", f32),
	named("long_accel", f32),
	named("trans_accel", f32),
	named("down_accel", f32),
	{Name: "alignment_status", Type: field.TypeUint8, Enum: map[uint64]string{
		0: "full_navigation",
		1: "fine_alignment",
		2: "gc_chi_2",
		3: "pc_chi_2",
		4: "gc_chi_1",
		5: "pc_chi_1",
		6: "coarse_leveling",
		7: "initial_solution",
		8: "no_solution",
	}},
}}

var performanceMetrics = &message.Schema{Name: "status/performance", Fields: []field.Spec{
	timeDistance,
	named("north_pos_rms", f32),
	named("east_pos_rms", f32),
	named("down_pos_rms", f32),
	named("north_vel_rms", f32),
	named("east_vel_rms", f32),
	named("down_vel_rms", f32),
	named("roll_rms", f32),
	named("pitch_rms", f32),
	named("heading_rms", f32),
	named("ellipsoid_major", f32),
	named("ellipsoid_minor", f32),
	named("ellipsoid_orientation", f32),
	{Name: "error_status", Type: field.TypeUint32},
}}

var gnssPrimaryStatus = &message.Schema{Name: "status/gnss/primary", Fields: []field.Spec{
	timeDistance,
	{Name: "solution_status", Type: field.TypeUint8, Enum: map[uint64]string{
		0xff: "unknown",
		0:    "no_data",
		1:    "horizontal_ca",
		2:    "3d_ca",
		3:    "horizontal_dgps",
		4:    "3d_dgps",
		5:    "float_rtk",
		6:    "wide_lane_rtk",
		7:    "narrow_lane_rtk",
		8:    "p_code",
	}},
	{Name: "sv_tracked", Type: field.TypeUint8},
	{Name: "channel_status_bytes", Type: field.TypeUint16},
	{Name: "channels", Type: field.TypeGroup, CountFrom: "sv_tracked", Fields: []field.Spec{
		{Name: "sv_prn", Type: field.TypeUint16},
		{Name: "tracking_status", Type: field.TypeUint16},
		named("azimuth", f32),
		named("elevation", f32),
		named("l1_snr", f32),
		named("l2_snr", f32),
	}},
	named("hdop", f32),
	named("vdop", f32),
	named("dgps_latency", f32),
	{Name: "dgps_reference_id", Type: field.TypeUint16},
	{Name: "utc_week", Type: field.TypeUint32},
	named("utc_offset", f64),
	named("nav_message_latency", f32),
	named("geoidal_separation", f32),
	{Name: "receiver_type", Type: field.TypeUint16},
	{Name: "gnss_status", Type: field.TypeUint32},
}}

var imuData = &message.Schema{Name: "raw/imu", Fields: []field.Spec{
	timeDistance,
	{Name: "imu_status", Type: field.TypeUint8},
	{Name: "imu_type", Type: field.TypeUint8},
	{Name: "data_length", Type: field.TypeUint16},
	{Name: "data", Type: field.TypeChars, CountFrom: "data_length"},
	{Name: "data_checksum", Type: field.TypeInt16},
}}

func eventSchema(name string) *message.Schema {
	return &message.Schema{Name: name, Fields: []field.Spec{
		timeDistance,
		{Name: "pulse_number", Type: field.TypeUint32},
	}}
}

var generalStatus = &message.Schema{Name: "status/general", Fields: []field.Spec{
	timeDistance,
	{Name: "status_a", Type: field.TypeUint32},
	{Name: "status_b", Type: field.TypeUint32},
	{Name: "status_c", Type: field.TypeUint32},
	{Name: "fdir_level1", Type: field.TypeUint32},
	{Name: "fdir_level1_failures", Type: field.TypeUint16},
	{Name: "fdir_level2", Type: field.TypeUint16},
	{Name: "fdir_level3", Type: field.TypeUint16},
	{Name: "fdir_level4", Type: field.TypeUint16},
	{Name: "fdir_level5", Type: field.TypeUint16},
	{Name: "extended_status", Type: field.TypeUint32},
}}

var dmiData = &message.Schema{Name: "dmi", Fields: []field.Spec{
	timeDistance,
	named("signed_distance", f64),
	named("unsigned_distance", f64),
	{Name: "scale_factor", Type: field.TypeUint16},
	{Name: "status", Type: field.TypeUint8},
	{Name: "type", Type: field.TypeUint8},
	{Name: "rate", Type: field.TypeUint8},
}}

// AckResponseCodes names the response_code values of Message 0.
var AckResponseCodes = map[uint64]string{
	0:  "not_applicable",
	1:  "accepted",
	2:  "rejected_generic",
	3:  "rejected_data_error",
	4:  "rejected_checksum",
	5:  "rejected_start",
	6:  "rejected_id",
	7:  "rejected_length",
	8:  "rejected_out_of_range",
	9:  "rejected_not_allowed",
	10: "rejected_busy",
}

var ack = &message.Schema{Name: "ack", Fields: []field.Spec{
	{Name: "transaction", Type: field.TypeUint16},
	{Name: "id", Type: field.TypeUint16},
	{Name: "response_code", Type: field.TypeUint16, Enum: AckResponseCodes},
	{Name: "params_status", Type: field.TypeUint8},
	{Name: "param_name", Type: field.TypeChars, Size: 32},
}}

var navModeControl = &message.Schema{Name: "control/nav_mode", Fields: []field.Spec{
	{Name: "transaction", Type: field.TypeUint16},
	{Name: "mode", Type: field.TypeUint8, Enum: map[uint64]string{
		0: "no_operation",
		1: "standby",
		2: "navigate",
	}},
}}

var saveRestore = &message.Schema{Name: "control/save_restore", Fields: []field.Spec{
	{Name: "transaction", Type: field.TypeUint16},
	{Name: "control", Type: field.TypeUint8, Enum: map[uint64]string{
		0: "no_operation",
		1: "save",
		2: "restore_user",
		3: "restore_factory",
	}},
}}

var programControl = &message.Schema{Name: "control/program", Fields: []field.Spec{
	{Name: "transaction", Type: field.TypeUint16},
	{Name: "control", Type: field.TypeUint16, Enum: map[uint64]string{
		0:   "controller_alive",
		1:   "terminate_connection",
		100: "reset_gams",
		101: "reset_pos",
		146: "shutdown_pos",
	}},
}}

// Builtin lists the packet schemas known to this bridge.
func Builtin() []Entry {
	return []Entry{
		{ID: frame.GroupID(GroupNavigation), Schema: navigationSolution},
		{ID: frame.GroupID(GroupPerformance), Schema: performanceMetrics},
		{ID: frame.GroupID(GroupGNSSPrimary), Schema: gnssPrimaryStatus},
		{ID: frame.GroupID(GroupIMUData), Schema: imuData},
		{ID: frame.GroupID(GroupEvent1), Schema: eventSchema("events/1")},
		{ID: frame.GroupID(GroupEvent2), Schema: eventSchema("events/2")},
		{ID: frame.GroupID(GroupGeneral), Schema: generalStatus},
		{ID: frame.GroupID(GroupDMI), Schema: dmiData},
		{ID: frame.MessageID(MsgAck), Schema: ack},
		{ID: frame.MessageID(MsgNavModeControl), Schema: navModeControl},
		{ID: frame.MessageID(MsgSaveRestore), Schema: saveRestore},
		{ID: frame.MessageID(MsgProgramControl), Schema: programControl},
	}
}

// Default is the builtin table.
func Default() *Catalog {
	return MustNew(Builtin()...)
}
