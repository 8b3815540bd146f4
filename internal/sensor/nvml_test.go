package sensor

import (
	"math"
	"testing"

	"codeberg.org/mutker/orinwatch/internal/errors"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	temp     uint32
	power    uint32
	tempRet  nvml.Return
	powerRet nvml.Return
}

func (d *fakeDevice) GetName() (string, nvml.Return) {
	return "Fake RTX", nvml.SUCCESS
}

func (d *fakeDevice) GetTemperature(_ nvml.TemperatureSensors) (uint32, nvml.Return) {
	return d.temp, d.tempRet
}

func (d *fakeDevice) GetPowerUsage() (uint32, nvml.Return) {
	return d.power, d.powerRet
}

type fakeLibrary struct {
	device    *fakeDevice
	initErr   error
	deviceErr error
	shutdowns int
}

func (l *fakeLibrary) Initialize() error { return l.initErr }

func (l *fakeLibrary) Shutdown() error {
	l.shutdowns++
	return nil
}

func (l *fakeLibrary) GetDevice(_ int) (nvmlDevice, error) {
	if l.deviceErr != nil {
		return nil, l.deviceErr
	}
	return l.device, nil
}

type fakeSource struct {
	power  map[Rail]float64
	temps  map[string]float64
	closed bool
}

func (s *fakeSource) Power(rail Rail) float64 {
	if v, ok := s.power[rail]; ok {
		return v
	}
	return math.NaN()
}

func (s *fakeSource) Temperature(zone string) float64 {
	if v, ok := s.temps[zone]; ok {
		return v
	}
	return math.NaN()
}

func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

func TestNVMLReadings(t *testing.T) {
	lib := &fakeLibrary{device: &fakeDevice{temp: 63, power: 87500}}
	fallback := &fakeSource{
		power: map[Rail]float64{RailSoC: 900},
		temps: map[string]float64{ZoneCPU: 45, ZoneGPU: 10},
	}

	src, err := newNVML(lib, fallback)
	require.NoError(t, err)

	assert.InDelta(t, 63.0, src.Temperature(ZoneGPU), 0, "GPU zone comes from NVML")
	assert.InDelta(t, 45.0, src.Temperature(ZoneCPU), 0)
	assert.True(t, math.IsNaN(src.Temperature(ZoneTJ)))

	assert.InDelta(t, 87500.0, src.Power(RailCPUGPU), 0)
	assert.InDelta(t, 87500.0, src.Power(RailTotal), 0, "no INA3221 total, board draw instead")
	assert.InDelta(t, 900.0, src.Power(RailSoC), 0)

	fallback.power[RailTotal] = 120000
	assert.InDelta(t, 120000.0, src.Power(RailTotal), 0)

	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
	assert.Equal(t, 1, lib.shutdowns)
	assert.True(t, fallback.closed)
}

func TestNVMLReadFailures(t *testing.T) {
	lib := &fakeLibrary{device: &fakeDevice{
		tempRet:  nvml.ERROR_GPU_IS_LOST,
		powerRet: nvml.ERROR_NOT_SUPPORTED,
	}}

	src, err := newNVML(lib, nil)
	require.NoError(t, err)

	assert.True(t, math.IsNaN(src.Temperature(ZoneGPU)))
	assert.True(t, math.IsNaN(src.Power(RailCPUGPU)))
	assert.True(t, math.IsNaN(src.Power(RailTotal)))
	assert.True(t, math.IsNaN(src.Power(RailSoC)))
	assert.True(t, math.IsNaN(src.Temperature(ZoneCPU)))
}

func TestNVMLInitFailures(t *testing.T) {
	errFactory := errors.New()

	lib := &fakeLibrary{initErr: errFactory.New(ErrInitFailed)}
	_, err := newNVML(lib, nil)
	assert.True(t, errors.HasCode(err, ErrInitFailed))

	lib = &fakeLibrary{deviceErr: errFactory.New(ErrDeviceNotFound)}
	_, err = newNVML(lib, nil)
	assert.True(t, errors.HasCode(err, ErrDeviceNotFound))
	assert.Equal(t, 1, lib.shutdowns, "library is released when no device opens")
}
