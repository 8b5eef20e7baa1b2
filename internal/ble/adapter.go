// Package ble acquires readings from an Aranet4 sensor over Bluetooth Low
// Energy. It handles discovery, optional pairing, the connect/resolve/read
// session and guaranteed teardown of the link.
package ble

import (
	"context"
	"errors"
)

// Aranet4 BLE UUIDs
const (
	ServiceUUID         = "f0cd1400-95da-4f4b-9ac8-aa55d312af0c"
	CurrentReadingsUUID = "f0cd1503-95da-4f4b-9ac8-aa55d312af0c"
)

// FamilyMarker appears in the advertised name of every Aranet4.
const FamilyMarker = "Aranet4"

var (
	ErrDeviceNotFound         = errors.New("ble: device not found")
	ErrPairingFailed          = errors.New("ble: pairing failed")
	ErrEmptyPIN               = errors.New("ble: empty PIN")
	ErrConnectFailed          = errors.New("ble: connect failed")
	ErrLostConnection         = errors.New("ble: lost connection")
	ErrServiceNotFound        = errors.New("ble: service not found")
	ErrCharacteristicNotFound = errors.New("ble: characteristic not found")
	ErrReadFailed             = errors.New("ble: read failed")
)

// Device represents a discovered BLE peripheral. It is only meaningful
// to the process that discovered it.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Service is a GATT service and the UUIDs of its characteristics.
type Service struct {
	UUID            string
	Characteristics []string
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// IsConnected reports whether the link is still up.
	IsConnected() bool
	// Services enumerates the GATT services of the peripheral.
	Services() ([]Service, error)
	// Read returns the raw value of a characteristic.
	Read(serviceUUID, charUUID string) ([]byte, error)
	// Disconnect terminates the connection.
	Disconnect() error
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports advertisements to found until found returns true,
	// ctx is done, or the platform stops scanning.
	Scan(ctx context.Context, found func(Device) bool) error
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
