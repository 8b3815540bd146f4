package watcher

import "codeberg.org/mutker/orinwatch/internal/telemetry"

const (
	DefaultPowerMW = 5000.0
	DefaultTempC   = 47.0
)

// Thresholds above which the module should run in reduced mode.
type Thresholds struct {
	PowerMW float64
	TempC   float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{PowerMW: DefaultPowerMW, TempC: DefaultTempC}
}

// Mode returns ModeReduced when total power or any temperature is above its
// threshold. NaN readings never trigger it.
func (t Thresholds) Mode(rec telemetry.Record) int32 {
	if rec.PowerMW > t.PowerMW ||
		rec.CPUTempC > t.TempC ||
		rec.GPUTempC > t.TempC ||
		rec.SoCTempC > t.TempC {
		return telemetry.ModeReduced
	}

	return telemetry.ModeNormal
}
