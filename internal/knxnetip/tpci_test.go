package knxnetip

import "testing"

func TestTPCIRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		tpci     TPCI
		apciHigh uint8
	}{
		{"UDT", TPCI{Type: TUDT}, 0x02},
		{"NDT seq 5", TPCI{Type: TNDT, Seq: 5}, 0x01},
		{"UCD connect", TPCI{Type: TUCD, Control: ControlConnect}, 0},
		{"UCD disconnect", TPCI{Type: TUCD, Control: ControlDisconnect}, 0},
		{"NCD ack seq 9", TPCI{Type: TNCD, Seq: 9, Control: ControlAck}, 0},
		{"NCD nak seq 15", TPCI{Type: TNCD, Seq: 15, Control: ControlNak}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := encodeTPCI(tt.tpci, tt.apciHigh)
			gotTPCI, gotHigh := decodeTPCI(b)
			if gotTPCI != tt.tpci {
				t.Errorf("decodeTPCI = %+v, want %+v", gotTPCI, tt.tpci)
			}
			if !tt.tpci.IsControl() && gotHigh != tt.apciHigh {
				t.Errorf("apciHigh = %d, want %d", gotHigh, tt.apciHigh)
			}
		})
	}
}

func TestTPCIIsNumbered(t *testing.T) {
	if (TPCI{Type: TUDT}).IsNumbered() {
		t.Error("UDT should not be numbered")
	}
	if !(TPCI{Type: TNDT}).IsNumbered() {
		t.Error("NDT should be numbered")
	}
	if !(TPCI{Type: TNCD}).IsNumbered() {
		t.Error("NCD should be numbered")
	}
}
