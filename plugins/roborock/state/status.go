package state

import "fmt"

// Status is the raw device status code reported in get_status and pushes.
type Status int

const (
	StatusUnknown             Status = 0
	StatusStarting            Status = 1
	StatusChargerDisconnected Status = 2
	StatusIdle                Status = 3
	StatusRemoteControl       Status = 4
	StatusCleaning            Status = 5
	StatusReturningHome       Status = 6
	StatusManualMode          Status = 7
	StatusCharging            Status = 8
	StatusChargingProblem     Status = 9
	StatusPaused              Status = 10
	StatusSpotCleaning        Status = 11
	StatusError               Status = 12
	StatusShuttingDown        Status = 13
	StatusUpdating            Status = 14
	StatusDocking             Status = 15
	StatusGoingToTarget       Status = 16
	StatusZonedCleaning       Status = 17
	StatusSegmentCleaning     Status = 18
	StatusEmptyingBin         Status = 22
	StatusWashingMop          Status = 23
	StatusWashingMop2         Status = 25
	StatusGoingToWashMop      Status = 26
	StatusInCall              Status = 28
	StatusMapping             Status = 29
	StatusEggAttack           Status = 30
	StatusPatrol              Status = 32
	StatusAttachingMop        Status = 33
	StatusDetachingMop        Status = 34
	StatusChargingComplete    Status = 100
	StatusDeviceOffline       Status = 101
	StatusLocked              Status = 103
	StatusAirDryingStopping   Status = 202
	StatusMopping             Status = 6301
	StatusCleanMopCleaning    Status = 6302
	StatusCleanMopMopping     Status = 6303
	StatusSegmentMopping      Status = 6304
	StatusSegmentCleanMop     Status = 6305
	StatusSegmentCleanMopping Status = 6306
	StatusZonedMopping        Status = 6307
	StatusZonedCleanMop       Status = 6308
	StatusZonedCleanMopping   Status = 6309
	StatusBackToDockWashing   Status = 6310
)

var statusNames = map[Status]string{
	StatusUnknown:             "unknown",
	StatusStarting:            "starting",
	StatusChargerDisconnected: "charger_disconnected",
	StatusIdle:                "idle",
	StatusRemoteControl:       "remote_control_active",
	StatusCleaning:            "cleaning",
	StatusReturningHome:       "returning_home",
	StatusManualMode:          "manual_mode",
	StatusCharging:            "charging",
	StatusChargingProblem:     "charging_problem",
	StatusPaused:              "paused",
	StatusSpotCleaning:        "spot_cleaning",
	StatusError:               "error",
	StatusShuttingDown:        "shutting_down",
	StatusUpdating:            "updating",
	StatusDocking:             "docking",
	StatusGoingToTarget:       "going_to_target",
	StatusZonedCleaning:       "zoned_cleaning",
	StatusSegmentCleaning:     "segment_cleaning",
	StatusEmptyingBin:         "emptying_the_bin",
	StatusWashingMop:          "washing_the_mop",
	StatusWashingMop2:         "washing_the_mop_2",
	StatusGoingToWashMop:      "going_to_wash_the_mop",
	StatusInCall:              "in_call",
	StatusMapping:             "mapping",
	StatusEggAttack:           "egg_attack",
	StatusPatrol:              "patrol",
	StatusAttachingMop:        "attaching_the_mop",
	StatusDetachingMop:        "detaching_the_mop",
	StatusChargingComplete:    "charging_complete",
	StatusDeviceOffline:       "device_offline",
	StatusLocked:              "locked",
	StatusAirDryingStopping:   "air_drying_stopping",
	StatusMopping:             "robot_status_mopping",
	StatusCleanMopCleaning:    "clean_mop_cleaning",
	StatusCleanMopMopping:     "clean_mop_mopping",
	StatusSegmentMopping:      "segment_mopping",
	StatusSegmentCleanMop:     "segment_clean_mop_cleaning",
	StatusSegmentCleanMopping: "segment_clean_mop_mopping",
	StatusZonedMopping:        "zoned_mopping",
	StatusZonedCleanMop:       "zoned_clean_mop_cleaning",
	StatusZonedCleanMopping:   "zoned_clean_mop_mopping",
	StatusBackToDockWashing:   "back_to_dock_washing_duster",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status_%d", int(s))
}

// Known reports whether the code is in the status table.
func (s Status) Known() bool {
	_, ok := statusNames[s]
	return ok
}
