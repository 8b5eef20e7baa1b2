package protocol

import (
	"errors"
	"testing"
	"time"
)

var fixedTime = time.Date(2026, 3, 1, 12, 30, 0, 0, time.FixedZone("CET", 3600))

func fixedClock() time.Time { return fixedTime }

func TestDecodeKnownPayload(t *testing.T) {
	buf := []byte{0x90, 0x01, 0xD2, 0x00, 0x6E, 0x27, 0x32}

	r, err := Decode(buf, fixedClock)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if r.CO2 != 400 {
		t.Errorf("CO2 = %d, want 400", r.CO2)
	}
	if r.Temperature != 10.5 {
		// 0x00D2 = 210, 210/20 = 10.5
		t.Errorf("Temperature = %v, want 10.5", r.Temperature)
	}
	if r.Pressure != 1009.4 {
		t.Errorf("Pressure = %v, want 1009.4", r.Pressure)
	}
	if r.Humidity != 50 {
		t.Errorf("Humidity = %d, want 50", r.Humidity)
	}
	if !r.Timestamp.Equal(fixedTime) {
		t.Errorf("Timestamp = %v, want %v", r.Timestamp, fixedTime)
	}
	if r.Timestamp.Location() != time.UTC {
		t.Errorf("Timestamp location = %v, want UTC", r.Timestamp.Location())
	}
}

func TestDecodeNegativeTemperature(t *testing.T) {
	// -100 as int16 little-endian = 0x9C 0xFF; -100/20 = -5
	buf := []byte{0x00, 0x00, 0x9C, 0xFF, 0x00, 0x00, 0x00}

	r, err := Decode(buf, fixedClock)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if r.Temperature != -5 {
		t.Errorf("Temperature = %v, want -5", r.Temperature)
	}
}

func TestDecodeIgnoresTrailingBytes(t *testing.T) {
	buf := []byte{0x90, 0x01, 0xD2, 0x00, 0x6E, 0x27, 0x32, 0x5A, 0x2C, 0x01, 0x3C, 0x00}

	r, err := Decode(buf, fixedClock)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if r.CO2 != 400 || r.Humidity != 50 {
		t.Errorf("Decode() = %+v, trailing bytes should not affect fields", r)
	}
}

func TestDecodeDeterministic(t *testing.T) {
	buf := []byte{0x10, 0x27, 0x01, 0x80, 0xFF, 0xFF, 0xFF}

	a, errA := Decode(buf, fixedClock)
	b, errB := Decode(buf, fixedClock)
	if errA != nil || errB != nil {
		t.Fatalf("Decode() errors = %v, %v", errA, errB)
	}
	if a != b {
		t.Errorf("Decode() not deterministic: %+v != %+v", a, b)
	}
	if a.CO2 != 10000 {
		t.Errorf("CO2 = %d, want 10000", a.CO2)
	}
	if a.Pressure != 6553.5 {
		t.Errorf("Pressure = %v, want 6553.5", a.Pressure)
	}
	if a.Humidity != 255 {
		t.Errorf("Humidity = %d, want 255", a.Humidity)
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	for n := 0; n < PayloadSize; n++ {
		_, err := Decode(make([]byte, n), fixedClock)
		if !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("Decode(%d bytes) error = %v, want ErrMalformedPayload", n, err)
		}
	}
}

func TestReadingString(t *testing.T) {
	r := Reading{CO2: 612, Temperature: 21.3, Pressure: 1003.2, Humidity: 41}
	want := "CO2 612 ppm, temperature 21.3°C, humidity 41%, pressure 1003.2 hPa"
	if got := r.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
