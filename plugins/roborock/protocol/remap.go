package protocol

import (
	"fmt"
	"strconv"
)

// v1Fields names the data points pushed by 1.0/L01 firmware.
var v1Fields = map[int]string{
	120: "error_code",
	121: "state",
	122: "battery",
	123: "fan_power",
	124: "water_box_mode",
	125: "main_brush_work_time",
	126: "side_brush_work_time",
	127: "filter_work_time",
	128: "additional_props",
	130: "task_complete",
	131: "task_cancel_low_power",
	132: "task_cancel_in_motion",
	133: "charge_status",
	134: "drying_status",
}

// a01Fields names the Dyad/Zeo data points.
var a01Fields = map[int]string{
	200: "start",
	201: "status",
	202: "self_clean_mode",
	203: "self_clean_level",
	204: "warm_level",
	205: "clean_mode",
	206: "suction",
	207: "water_level",
	208: "brush_speed",
	209: "power",
	210: "countdown_time",
	212: "auto_self_clean_set",
	213: "auto_dry",
	214: "mesh_left",
	215: "brush_left",
	216: "error",
	218: "mesh_reset",
	219: "brush_reset",
	221: "volume_set",
	222: "stand_lock_auto_run",
	223: "auto_self_clean_set_mode",
	224: "auto_dry_mode",
	225: "silent_dry_duration",
	226: "silent_mode",
	227: "silent_mode_start_time",
	228: "silent_mode_end_time",
	229: "recent_run_time",
	230: "total_run_time",
}

// b01Fields names the Q-series data points.
var b01Fields = map[int]string{
	101: "status",
	102: "fault",
	103: "wind",
	104: "water",
	105: "mode",
	106: "quantity",
	107: "alarm",
	108: "volume",
	109: "hypa",
	110: "main_brush",
	111: "side_brush",
	112: "mop_life",
	113: "main_sensor",
	114: "net_status",
	115: "repeat_state",
	116: "tank_state",
	117: "sweep_type",
	118: "clean_path_preference",
	119: "cloth_state",
	120: "time_zone",
	121: "time_zone_info",
	122: "language",
	123: "cleaning_time",
	124: "real_clean_time",
	125: "cleaning_area",
	126: "custom_type",
	127: "sound",
	128: "work_mode",
	129: "station_act",
	130: "charge_state",
	131: "current_map_id",
	132: "map_num",
	133: "dust_action",
	134: "quiet_is_open",
	135: "quiet_begin_time",
	136: "quiet_end_time",
	137: "clean_finish",
	138: "voice_type",
	139: "voice_type_version",
	140: "order_total",
	141: "build_map",
	142: "privacy",
	143: "dust_auto_state",
	144: "dust_frequency",
	145: "child_lock",
	146: "multi_floor",
	147: "map_save",
	148: "light_mode",
	149: "green_laser",
	150: "dust_bag_used",
	151: "order_save_mode",
	152: "manufacturer",
	153: "back_to_wash",
	154: "charge_station_type",
	155: "pv_cut_charge",
	156: "pv_charging",
	157: "serial_number",
	158: "recommend",
	159: "add_sweep_status",
}

var (
	fieldTables = map[Version]map[int]string{
		Version1:   v1Fields,
		VersionL01: v1Fields,
		VersionA01: a01Fields,
		VersionB01: b01Fields,
	}
	fieldIDs = map[Version]map[string]int{}
)

func init() {
	for version, table := range fieldTables {
		ids := make(map[string]int, len(table))
		for id, name := range table {
			if name == "" {
				panic(fmt.Sprintf("protocol: empty field name for %s data point %d", version, id))
			}
			if prev, dup := ids[name]; dup {
				panic(fmt.Sprintf("protocol: %s field %q mapped by %d and %d", version, name, prev, id))
			}
			ids[name] = id
		}
		fieldIDs[version] = ids
	}
}

// Remap renames numeric body keys to field names using the version's table.
// Unknown numeric keys and non-numeric keys pass through unchanged.
func Remap(version Version, body Body) map[string]any {
	out := make(map[string]any, len(body))
	table := fieldTables[version]
	for k, v := range body {
		id, err := strconv.Atoi(k)
		if err == nil {
			if name, ok := table[id]; ok {
				out[name] = v
				continue
			}
		}
		out[k] = v
	}
	return out
}

// FieldID returns the data point for a field name.
func FieldID(version Version, name string) (int, bool) {
	id, ok := fieldIDs[version][name]
	return id, ok
}

// FieldName returns the field name for a data point.
func FieldName(version Version, id int) (string, bool) {
	name, ok := fieldTables[version][id]
	return name, ok
}
