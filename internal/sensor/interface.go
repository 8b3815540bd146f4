package sensor

import "fmt"

// Source reads power rails and thermal zones. Values that cannot be read are
// reported as NaN, never as errors.
type Source interface {
	// Power returns the draw of rail in mW.
	Power(rail Rail) float64
	// Temperature returns the temperature of zone in degrees Celsius.
	Temperature(zone string) float64
	Close() error
}

// Rail is an INA3221 channel index.
type Rail int

const (
	RailTotal  Rail = 1
	RailCPUGPU Rail = 2
	RailSoC    Rail = 3
)

// Rails lists every monitored rail in channel order.
var Rails = []Rail{RailTotal, RailCPUGPU, RailSoC}

func (r Rail) String() string {
	switch r {
	case RailTotal:
		return "VDD_IN"
	case RailCPUGPU:
		return "VDD_CPU_GPU_CV"
	case RailSoC:
		return "VDD_SOC"
	default:
		return fmt.Sprintf("rail%d", int(r))
	}
}

// Thermal zone names, without the "-thermal" suffix sysfs uses.
const (
	ZoneCPU  = "cpu"
	ZoneGPU  = "gpu"
	ZoneCV0  = "cv0"
	ZoneCV1  = "cv1"
	ZoneCV2  = "cv2"
	ZoneSoC0 = "soc0"
	ZoneSoC1 = "soc1"
	ZoneSoC2 = "soc2"
	ZoneTJ   = "tj"
)

// Zones lists every thermal zone of the module.
var Zones = []string{ZoneCPU, ZoneGPU, ZoneCV0, ZoneCV1, ZoneCV2, ZoneSoC0, ZoneSoC1, ZoneSoC2, ZoneTJ}
