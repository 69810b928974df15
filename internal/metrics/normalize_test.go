package metrics

import (
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"input.voltage", "ups_input_voltage"},
		{"ups.load", "ups_load"},
		{"battery.charge", "ups_battery_charge"},
		{"input.voltage.nominal", "ups_input_voltage_nominal"},
		{"upsadvstat", "upsadvstat"},
		{"", "ups_"},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalize_Shape(t *testing.T) {
	for _, in := range []string{"a", "ups", "ups.", ".ups", "driver.version.usb", "battery..charge", "u.p.s"} {
		got := Normalize(in)
		if strings.Contains(got, ".") {
			t.Errorf("Normalize(%q) = %q contains a dot", in, got)
		}
		if !strings.HasPrefix(got, "ups") {
			t.Errorf("Normalize(%q) = %q does not start with ups", in, got)
		}
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	for _, in := range []string{"battery.charge", "ups.load", "", "device.model"} {
		once := Normalize(in)
		if twice := Normalize(once); twice != once {
			t.Errorf("Normalize(Normalize(%q)) = %q, want %q", in, twice, once)
		}
	}
}
