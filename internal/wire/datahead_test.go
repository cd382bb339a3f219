package wire

import (
	"bytes"
	"testing"
)

// TestDataHeadRoundTrip encodes a header and decodes it back
func TestDataHeadRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		head DataHead
	}{
		{
			name: "typical packet",
			head: DataHead{Timestamp: 1700000000123456789, Sequence: 42, Length: 1459, Token: 'a'},
		},
		{
			name: "zero values",
			head: DataHead{},
		},
		{
			name: "extremes",
			head: DataHead{Timestamp: -1, Sequence: 65535, Length: 65535, Token: '9'},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, HeadLen+3)
			tt.head.Put(buf)

			got, err := ParseHead(buf)
			if err != nil {
				t.Fatalf("ParseHead failed: %v", err)
			}
			if got != tt.head {
				t.Errorf("round trip changed header: sent %+v, got %+v", tt.head, got)
			}
		})
	}
}

// TestDataHeadLayout pins the little-endian wire layout so both endpoints
// agree regardless of host byte order
func TestDataHeadLayout(t *testing.T) {
	head := DataHead{
		Timestamp: 0x0102030405060708,
		Sequence:  0x1122,
		Length:    0x3344,
		Token:     'x',
	}
	buf := make([]byte, HeadLen)
	head.Put(buf)

	want := []byte{
		0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01,
		0x22, 0x11,
		0x44, 0x33,
		'x',
	}
	if !bytes.Equal(buf, want) {
		t.Errorf("wire layout mismatch:\n  got  %x\n  want %x", buf, want)
	}
}

// TestParseHeadShort rejects truncated datagrams
func TestParseHeadShort(t *testing.T) {
	if _, err := ParseHead(make([]byte, HeadLen-1)); err == nil {
		t.Error("ParseHead should reject a short packet")
	}
}
