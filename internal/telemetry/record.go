package telemetry

import (
	"encoding/binary"
	"math"

	"codeberg.org/mutker/orinwatch/internal/errors"
)

// Mode values carried in Record.Mode. The channel itself does not interpret
// them.
const (
	ModeNormal  int32 = 0
	ModeReduced int32 = 1
)

// Region layout: an 8-byte freshness marker followed by one packed record.
const (
	MarkerOffset  = 0
	PayloadOffset = 8
	RecordSize    = 4*8 + 4
	RegionSize    = PayloadOffset + RecordSize
)

const (
	powerOffset = 0
	cpuOffset   = 8
	gpuOffset   = 16
	socOffset   = 24
	modeOffset  = 32
)

// Record is one sampled snapshot. NaN marks a value the sensor could not
// read.
type Record struct {
	PowerMW  float64
	CPUTempC float64
	GPUTempC float64
	SoCTempC float64
	Mode     int32
}

// MarshalBinary encodes r in the little-endian packed wire layout.
func (r Record) MarshalBinary() ([]byte, error) {
	buf := make([]byte, RecordSize)
	r.put(buf)

	return buf, nil
}

func (r Record) put(buf []byte) {
	binary.LittleEndian.PutUint64(buf[powerOffset:], math.Float64bits(r.PowerMW))
	binary.LittleEndian.PutUint64(buf[cpuOffset:], math.Float64bits(r.CPUTempC))
	binary.LittleEndian.PutUint64(buf[gpuOffset:], math.Float64bits(r.GPUTempC))
	binary.LittleEndian.PutUint64(buf[socOffset:], math.Float64bits(r.SoCTempC))
	binary.LittleEndian.PutUint32(buf[modeOffset:], uint32(r.Mode))
}

// UnmarshalBinary decodes exactly RecordSize bytes.
func (r *Record) UnmarshalBinary(data []byte) error {
	if len(data) != RecordSize {
		return errors.New().WithData(ErrInvalidRecord, len(data))
	}

	r.PowerMW = math.Float64frombits(binary.LittleEndian.Uint64(data[powerOffset:]))
	r.CPUTempC = math.Float64frombits(binary.LittleEndian.Uint64(data[cpuOffset:]))
	r.GPUTempC = math.Float64frombits(binary.LittleEndian.Uint64(data[gpuOffset:]))
	r.SoCTempC = math.Float64frombits(binary.LittleEndian.Uint64(data[socOffset:]))
	r.Mode = int32(binary.LittleEndian.Uint32(data[modeOffset:]))

	return nil
}

// Same reports whether both records have identical bit patterns, so two NaN
// readings compare equal.
func (r Record) Same(o Record) bool {
	return math.Float64bits(r.PowerMW) == math.Float64bits(o.PowerMW) &&
		math.Float64bits(r.CPUTempC) == math.Float64bits(o.CPUTempC) &&
		math.Float64bits(r.GPUTempC) == math.Float64bits(o.GPUTempC) &&
		math.Float64bits(r.SoCTempC) == math.Float64bits(o.SoCTempC) &&
		r.Mode == o.Mode
}

// Newer reports whether marker current is ahead of last. Markers are
// compared by unsigned distance so the check survives the counter wrapping;
// a subscriber that misses 2^63 publishes in a row sees no data.
func Newer(current, last uint64) bool {
	d := current - last
	return d != 0 && d < 1<<63
}
