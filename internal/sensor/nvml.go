package sensor

import (
	"math"
	"sync"

	"codeberg.org/mutker/orinwatch/internal/errors"
	"codeberg.org/mutker/orinwatch/internal/logger"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// nvmlController abstracts NVML library calls for testing
type nvmlController interface {
	Initialize() error
	Shutdown() error
	GetDevice(index int) (nvmlDevice, error)
}

// nvmlDevice is the part of nvml.Device this package reads.
type nvmlDevice interface {
	GetName() (string, nvml.Return)
	GetTemperature(sensor nvml.TemperatureSensors) (uint32, nvml.Return)
	GetPowerUsage() (uint32, nvml.Return)
}

type nvmlWrapper struct{}

func (nvmlWrapper) Initialize() error {
	if ret := nvml.Init(); !isNVMLSuccess(ret) {
		return errors.New().Wrap(ErrInitFailed, newNVMLError(ret))
	}
	return nil
}

func (nvmlWrapper) Shutdown() error {
	if ret := nvml.Shutdown(); !isNVMLSuccess(ret) {
		return errors.New().Wrap(ErrShutdownFailed, newNVMLError(ret))
	}
	return nil
}

func (nvmlWrapper) GetDevice(index int) (nvmlDevice, error) {
	device, ret := nvml.DeviceGetHandleByIndex(index)
	if !isNVMLSuccess(ret) {
		return nil, errors.New().Wrap(ErrDeviceNotFound, newNVMLError(ret))
	}
	return device, nil
}

// NVML reads the GPU of a discrete NVIDIA card through NVML and defers
// everything else to a fallback source.
type NVML struct {
	lib      nvmlController
	device   nvmlDevice
	fallback Source
	once     sync.Once
}

var _ Source = (*NVML)(nil)

// NewNVML initializes NVML and opens device 0.
func NewNVML(fallback Source) (*NVML, error) {
	return newNVML(nvmlWrapper{}, fallback)
}

func newNVML(lib nvmlController, fallback Source) (*NVML, error) {
	if err := lib.Initialize(); err != nil {
		return nil, err
	}

	device, err := lib.GetDevice(0)
	if err != nil {
		_ = lib.Shutdown()
		return nil, err
	}

	if name, ret := device.GetName(); isNVMLSuccess(ret) {
		logger.Info().Msgf("Detected GPU: %v", name)
	} else {
		logger.Warn().Msgf("Failed to get GPU name: %v", newNVMLError(ret))
	}

	return &NVML{lib: lib, device: device, fallback: fallback}, nil
}

// Power reports the GPU board draw for RailCPUGPU. RailTotal comes from the
// fallback and uses the board draw only when the fallback has no reading.
func (n *NVML) Power(rail Rail) float64 {
	switch rail {
	case RailCPUGPU:
		return n.gpuPower()
	case RailTotal:
		if v := n.fallbackPower(rail); !math.IsNaN(v) {
			return v
		}
		return n.gpuPower()
	default:
		return n.fallbackPower(rail)
	}
}

// Temperature reports the GPU core temperature for ZoneGPU.
func (n *NVML) Temperature(zone string) float64 {
	if zone != ZoneGPU {
		if n.fallback == nil {
			return math.NaN()
		}
		return n.fallback.Temperature(zone)
	}

	temp, ret := n.device.GetTemperature(nvml.TEMPERATURE_GPU)
	if !isNVMLSuccess(ret) {
		logger.Debug().Msgf("Failed to read GPU temperature: %v", newNVMLError(ret))
		return math.NaN()
	}

	return float64(temp)
}

func (n *NVML) Close() error {
	var err error
	n.once.Do(func() {
		err = n.lib.Shutdown()
		if n.fallback != nil {
			if ferr := n.fallback.Close(); ferr != nil && err == nil {
				err = ferr
			}
		}
	})

	return err
}

func (n *NVML) gpuPower() float64 {
	mw, ret := n.device.GetPowerUsage()
	if !isNVMLSuccess(ret) {
		logger.Debug().Msgf("Failed to read GPU power: %v", newNVMLError(ret))
		return math.NaN()
	}

	return float64(mw)
}

func (n *NVML) fallbackPower(rail Rail) float64 {
	if n.fallback == nil {
		return math.NaN()
	}
	return n.fallback.Power(rail)
}

// nvmlError represents an NVML-specific error
type nvmlError struct {
	ret nvml.Return
}

func (e nvmlError) Error() string {
	return nvml.ErrorString(e.ret)
}

// newNVMLError creates an error from an NVML return code
func newNVMLError(ret nvml.Return) error {
	if ret == nvml.SUCCESS {
		return nil
	}
	return &nvmlError{ret: ret}
}

func isNVMLSuccess(ret nvml.Return) bool {
	return ret == nvml.SUCCESS
}
