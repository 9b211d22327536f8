package knxnetip

import (
	"bytes"
	"testing"
)

func TestAPCIRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		apci APCI
	}{
		{"group read", APCI{Service: GroupValueRead, Data: []byte{0x00}}},
		{"group write 1 byte", APCI{Service: GroupValueWrite, Data: []byte{0x01}}},
		{"group response multi byte", APCI{Service: GroupValueResponse, Data: []byte{0x00, 0x12, 0x34}}},
		{"device descriptor read", APCI{Service: DeviceDescriptorRead, Data: []byte{0x00}}},
		{"authorize request", APCI{Service: AuthorizeRequest, Data: []byte{0xFF, 0xFF, 0xFF, 0xFF}}},
		{"authorize response", APCI{Service: AuthorizeResponse, Data: []byte{0x00}}},
		{"property value read", APCI{Service: PropertyValueRead, Data: []byte{0x00, 0x0B, 0x10, 0x01}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			high, payload := encodeAPCI(tt.apci)
			got, err := decodeAPCI(high, payload)
			if err != nil {
				t.Fatalf("decodeAPCI: %v", err)
			}
			if got.Service != tt.apci.Service {
				t.Errorf("Service = %v, want %v", got.Service, tt.apci.Service)
			}
			if !bytes.Equal(got.Data, tt.apci.Data) {
				t.Errorf("Data = % X, want % X", got.Data, tt.apci.Data)
			}
		})
	}
}

func TestAPCIServiceString(t *testing.T) {
	if got := GroupValueWrite.String(); got != "A_GroupValue_Write" {
		t.Errorf("String() = %q", got)
	}
}
