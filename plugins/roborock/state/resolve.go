// Package state normalizes raw vacuum status codes into a run mode and an
// operational state.
package state

import (
	"strings"

	"github.com/joshp123/robobridge/plugins/roborock/protocol"
)

type RunMode string

const (
	RunModeIdle     RunMode = "idle"
	RunModeCleaning RunMode = "cleaning"
	RunModeMapping  RunMode = "mapping"
)

type OperationalState string

const (
	OpStopped         OperationalState = "stopped"
	OpRunning         OperationalState = "running"
	OpPaused          OperationalState = "paused"
	OpError           OperationalState = "error"
	OpSeekingCharger  OperationalState = "seeking_charger"
	OpCharging        OperationalState = "charging"
	OpDocked          OperationalState = "docked"
	OpEmptyingDustBin OperationalState = "emptying_dust_bin"
	OpCleaningMop     OperationalState = "cleaning_mop"
	OpUpdatingMaps    OperationalState = "updating_maps"
)

// Resolved is the normalized state derived from one status observation.
type Resolved struct {
	RunMode          RunMode          `json:"run_mode"`
	OperationalState OperationalState `json:"operational_state"`
}

func (r Resolved) String() string {
	return string(r.RunMode) + "/" + string(r.OperationalState)
}

// Modifiers are the boolean flags reported next to the status code.
type Modifiers struct {
	InReturning  bool
	InWarmup     bool
	IsLocating   bool
	IsExploring  bool
	InFreshState bool
}

// ModifiersFrom reads modifier flags from a raw status object. Flags are
// reported as booleans or as 0/1 integers.
func ModifiersFrom(raw map[string]any) Modifiers {
	return Modifiers{
		InReturning:  flag(raw["in_returning"]),
		InWarmup:     flag(raw["in_warmup"]),
		IsLocating:   flag(raw["is_locating"]),
		IsExploring:  flag(raw["is_exploring"]),
		InFreshState: flag(raw["in_fresh_state"]),
	}
}

func flag(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "1" || strings.EqualFold(t, "true")
	default:
		n, ok := protocol.IntFrom(v)
		return ok && n != 0
	}
}

// StatusFrom reads the status code from a raw status object.
func StatusFrom(raw map[string]any) (Status, bool) {
	for _, key := range []string{"state", "status"} {
		if n, ok := protocol.IntFrom(raw[key]); ok {
			return Status(n), true
		}
	}
	return StatusUnknown, false
}

// ResolveRaw resolves a raw status object.
func ResolveRaw(raw map[string]any) Resolved {
	status, _ := StatusFrom(raw)
	return Resolve(status, ModifiersFrom(raw))
}

var overrides = map[Status]Resolved{
	StatusIdle:           {RunModeIdle, OpDocked},
	StatusEmptyingBin:    {RunModeIdle, OpEmptyingDustBin},
	StatusWashingMop:     {RunModeIdle, OpCleaningMop},
	StatusGoingToWashMop: {RunModeCleaning, OpSeekingCharger},
	StatusMapping:        {RunModeMapping, OpRunning},
}

var base = map[Status]Resolved{
	StatusStarting:            {RunModeCleaning, OpRunning},
	StatusChargerDisconnected: {RunModeIdle, OpStopped},
	StatusRemoteControl:       {RunModeCleaning, OpRunning},
	StatusCleaning:            {RunModeCleaning, OpRunning},
	StatusReturningHome:       {RunModeCleaning, OpSeekingCharger},
	StatusManualMode:          {RunModeCleaning, OpRunning},
	StatusCharging:            {RunModeIdle, OpCharging},
	StatusChargingProblem:     {RunModeIdle, OpError},
	StatusSpotCleaning:        {RunModeCleaning, OpRunning},
	StatusError:               {RunModeIdle, OpError},
	StatusShuttingDown:        {RunModeIdle, OpStopped},
	StatusUpdating:            {RunModeIdle, OpDocked},
	StatusDocking:             {RunModeCleaning, OpSeekingCharger},
	StatusGoingToTarget:       {RunModeCleaning, OpRunning},
	StatusZonedCleaning:       {RunModeCleaning, OpRunning},
	StatusSegmentCleaning:     {RunModeCleaning, OpRunning},
	StatusWashingMop2:         {RunModeIdle, OpCleaningMop},
	StatusInCall:              {RunModeIdle, OpStopped},
	StatusEggAttack:           {RunModeCleaning, OpRunning},
	StatusPatrol:              {RunModeCleaning, OpRunning},
	StatusAttachingMop:        {RunModeIdle, OpDocked},
	StatusDetachingMop:        {RunModeIdle, OpDocked},
	StatusChargingComplete:    {RunModeIdle, OpDocked},
	StatusDeviceOffline:       {RunModeIdle, OpError},
	StatusLocked:              {RunModeIdle, OpError},
	StatusAirDryingStopping:   {RunModeIdle, OpDocked},
	StatusMopping:             {RunModeCleaning, OpRunning},
	StatusCleanMopCleaning:    {RunModeCleaning, OpRunning},
	StatusCleanMopMopping:     {RunModeCleaning, OpRunning},
	StatusSegmentMopping:      {RunModeCleaning, OpRunning},
	StatusSegmentCleanMop:     {RunModeCleaning, OpRunning},
	StatusSegmentCleanMopping: {RunModeCleaning, OpRunning},
	StatusZonedMopping:        {RunModeCleaning, OpRunning},
	StatusZonedCleanMop:       {RunModeCleaning, OpRunning},
	StatusZonedCleanMopping:   {RunModeCleaning, OpRunning},
	StatusBackToDockWashing:   {RunModeCleaning, OpSeekingCharger},
}

// Resolve maps a status code and its modifier flags to a normalized state.
// Status overrides win over everything; cleaning overrides win over the
// base table; the modifier chain runs last.
func Resolve(status Status, mods Modifiers) Resolved {
	if r, ok := overrides[status]; ok {
		return r
	}

	if status == StatusCleaning {
		switch {
		case mods.InWarmup:
			return Resolved{RunModeCleaning, OpCleaningMop}
		case mods.InReturning:
			return Resolved{RunModeCleaning, OpSeekingCharger}
		case mods.IsLocating, mods.IsExploring:
			return Resolved{RunModeCleaning, OpUpdatingMaps}
		}
	}

	r := baseState(status, mods)

	if mods.InReturning {
		if status == StatusPaused {
			r.OperationalState = OpPaused
		} else {
			r = Resolved{RunModeCleaning, OpSeekingCharger}
		}
	}
	if mods.IsExploring && !mods.InReturning && status != StatusCharging {
		r.RunMode = RunModeMapping
	}
	if mods.InFreshState && status == StatusCharging && !mods.InReturning {
		r = Resolved{RunModeIdle, OpDocked}
	}
	return r
}

func baseState(status Status, mods Modifiers) Resolved {
	switch status {
	case StatusUnknown:
		return Resolved{RunModeIdle, OpDocked}
	case StatusPaused:
		if mods.IsExploring {
			return Resolved{RunModeMapping, OpPaused}
		}
		return Resolved{RunModeCleaning, OpPaused}
	}
	if r, ok := base[status]; ok {
		return r
	}
	return Resolved{RunModeIdle, OpDocked}
}
