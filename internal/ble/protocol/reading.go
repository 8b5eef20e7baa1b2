// Package protocol decodes the Aranet4 "current readings" characteristic.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// PayloadSize is the number of bytes Decode consumes. The characteristic
// may carry more (measurement interval, age, battery); those are ignored.
const PayloadSize = 7

// ErrMalformedPayload is returned when the payload is too short to decode.
var ErrMalformedPayload = errors.New("protocol: malformed payload")

// Reading is a single sensor measurement.
type Reading struct {
	CO2         uint16    // ppm
	Temperature float64   // °C
	Pressure    float64   // hPa
	Humidity    uint8     // %
	Timestamp   time.Time // UTC, captured at decode time
}

// Decode parses the little-endian payload layout:
//
//	[0:2] CO2 (uint16)
//	[2:4] temperature (int16, /20)
//	[4:6] pressure (uint16, /10)
//	[6]   humidity (uint8)
//
// The timestamp comes from now, not from the payload.
func Decode(buf []byte, now func() time.Time) (Reading, error) {
	if len(buf) < PayloadSize {
		return Reading{}, fmt.Errorf("%w: need %d bytes, got %d", ErrMalformedPayload, PayloadSize, len(buf))
	}
	return Reading{
		CO2:         binary.LittleEndian.Uint16(buf[0:2]),
		Temperature: float64(int16(binary.LittleEndian.Uint16(buf[2:4]))) / 20,
		Pressure:    float64(binary.LittleEndian.Uint16(buf[4:6])) / 10,
		Humidity:    buf[6],
		Timestamp:   now().UTC(),
	}, nil
}

// DecodeNow is Decode stamped with the wall clock.
func DecodeNow(buf []byte) (Reading, error) {
	return Decode(buf, time.Now)
}

// String returns a one-line human-readable summary.
func (r Reading) String() string {
	return fmt.Sprintf("CO2 %d ppm, temperature %.1f°C, humidity %d%%, pressure %.1f hPa",
		r.CO2, r.Temperature, r.Humidity, r.Pressure)
}
