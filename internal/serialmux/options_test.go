package serialmux

import (
	"testing"

	"go.bug.st/serial"
)

func TestPortOptions_Normalize(t *testing.T) {
	cases := []struct {
		name    string
		in      PortOptions
		want    PortOptions
		wantErr bool
	}{
		{"defaults", PortOptions{}, PortOptions{BaudRate: 19200, DataBits: 8, StopBits: 1, Parity: "N"}, false},
		{"explicit", PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "E"}, PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "E"}, false},
		{"negative baud", PortOptions{BaudRate: -5}, PortOptions{BaudRate: 19200, DataBits: 8, StopBits: 1, Parity: "N"}, false},
		{"parity words", PortOptions{BaudRate: 115200, Parity: " odd "}, PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "O"}, false},
		{"odd baud", PortOptions{BaudRate: 12345}, PortOptions{}, true},
		{"data bits", PortOptions{DataBits: 9}, PortOptions{}, true},
		{"stop bits", PortOptions{StopBits: 3}, PortOptions{}, true},
		{"parity", PortOptions{Parity: "M"}, PortOptions{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.in.Normalize()
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Normalize(%+v) succeeded, want error", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize(%+v) error = %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("Normalize(%+v) = %+v, want %+v", tc.in, got, tc.want)
			}
		})
	}
}

func TestPortOptions_Equal(t *testing.T) {
	if !(PortOptions{}).Equal(PortOptions{BaudRate: 19200, Parity: "none"}) {
		t.Error("defaults should equal their explicit form")
	}
	if (PortOptions{}).Equal(PortOptions{BaudRate: 9600}) {
		t.Error("different baud rates should not be equal")
	}
	if (PortOptions{Parity: "X"}).Equal(PortOptions{Parity: "X"}) {
		t.Error("invalid options are never equal")
	}
}

func TestPortOptions_String(t *testing.T) {
	if got := (PortOptions{BaudRate: 115200}).String(); got != "115200 8N1" {
		t.Errorf("String() = %q, want 115200 8N1", got)
	}
	if got := (PortOptions{DataBits: 1}).String(); got[:7] != "invalid" {
		t.Errorf("String() = %q, want invalid(...)", got)
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptions{BaudRate: 57600, StopBits: 2, Parity: "E"}.SerialMode()
	if err != nil {
		t.Fatalf("SerialMode() error = %v", err)
	}
	if mode.BaudRate != 57600 || mode.DataBits != 8 {
		t.Errorf("mode = %+v", mode)
	}
	if mode.StopBits != serial.TwoStopBits {
		t.Errorf("StopBits = %v, want TwoStopBits", mode.StopBits)
	}
	if mode.Parity != serial.EvenParity {
		t.Errorf("Parity = %v, want EvenParity", mode.Parity)
	}

	mode, err = PortOptions{}.SerialMode()
	if err != nil {
		t.Fatalf("SerialMode() error = %v", err)
	}
	if mode.StopBits != serial.OneStopBit || mode.Parity != serial.NoParity {
		t.Errorf("default mode = %+v", mode)
	}

	if _, err := (PortOptions{StopBits: 5}).SerialMode(); err == nil {
		t.Error("expected error for invalid stop bits")
	}
}

func TestNewRealSerialMuxRejectsInvalidOptions(t *testing.T) {
	if _, err := NewRealSerialMux("odom", "/dev/null", PortOptions{DataBits: 3}); err == nil {
		t.Error("expected error for invalid data bits")
	}
	if _, err := NewRealSerialMux("odom", "/nonexistent/tty", PortOptions{}); err == nil {
		t.Error("expected error opening a missing device")
	}
}
