package sensor

import (
	"codeberg.org/mutker/orinwatch/internal/errors"
	"codeberg.org/mutker/orinwatch/internal/telemetry"
)

// Sample reads one record from src. Mode is left at ModeNormal.
func Sample(src Source) telemetry.Record {
	return telemetry.Record{
		PowerMW:  src.Power(RailTotal),
		CPUTempC: src.Temperature(ZoneCPU),
		GPUTempC: src.Temperature(ZoneGPU),
		SoCTempC: src.Temperature(ZoneSoC0),
		Mode:     telemetry.ModeNormal,
	}
}

// Config selects and configures a backend.
type Config struct {
	Backend   string
	SysfsRoot string
	PowerChip string
}

// Open returns the configured backend.
func Open(cfg Config) (Source, error) {
	sysfs := NewSysfs(cfg.SysfsRoot, WithPowerChip(cfg.PowerChip))

	switch cfg.Backend {
	case "", "sysfs":
		return sysfs, nil
	case "nvml":
		return NewNVML(sysfs)
	default:
		return nil, errors.New().WithData(ErrUnknownBackend, cfg.Backend)
	}
}
