// Package collector delivers readings to the remote collector, over HTTP
// (the default) or MQTT.
package collector

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/chaz8081/aranet-relay/internal/ble/protocol"
)

// StatusError means the collector was reached but rejected the reading.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("collector: rejected with status %d", e.Code)
	}
	return fmt.Sprintf("collector: rejected with status %d: %s", e.Code, e.Body)
}

// TransportError means the collector could not be reached.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "collector: unreachable: " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// IsRejected reports whether err is a rejection by a reachable collector.
func IsRejected(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}

// Payload is the JSON document sent for each reading.
type Payload struct {
	DeviceID string   `json:"deviceId"`
	Readings Readings `json:"readings"`
}

// Readings is the measurement part of Payload.
type Readings struct {
	CO2         uint16  `json:"co2"`
	Temperature float64 `json:"temperature"`
	Humidity    uint8   `json:"humidity"`
	Pressure    float64 `json:"pressure"`
	Timestamp   string  `json:"timestamp"`
}

// NewPayload builds the document for one reading.
func NewPayload(deviceID string, r protocol.Reading) Payload {
	return Payload{
		DeviceID: deviceID,
		Readings: Readings{
			CO2:         r.CO2,
			Temperature: r.Temperature,
			Humidity:    r.Humidity,
			Pressure:    r.Pressure,
			Timestamp:   r.Timestamp.UTC().Format(time.RFC3339Nano),
		},
	}
}

// IdempotencyKey identifies a reading so that a collector can discard
// duplicates when a submission is retried.
func IdempotencyKey(deviceID string, r protocol.Reading) string {
	sum := blake2b.Sum256([]byte(deviceID + "|" + strconv.FormatInt(r.Timestamp.UnixNano(), 10)))
	return hex.EncodeToString(sum[:16])
}
