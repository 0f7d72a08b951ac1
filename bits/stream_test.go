package bits

import (
	"math"
	"testing"

	"github.com/go-test/deep"
)

func TestRangeRoundTrip(t *testing.T) {
	for _, tc := range []struct{ min, max, value uint32 }{
		{0, 1, 0},
		{0, 1, 1},
		{0, 255, 128},
		{10, 20, 15},
		{0, 1 << 20, 12345},
	} {
		w := NewWriter(8)
		if err := w.WriteRange(tc.value, tc.min, tc.max); err != nil {
			t.Fatalf("WriteRange(%d,%d,%d): %v", tc.value, tc.min, tc.max, err)
		}
		data := w.Flush()
		r := NewReader(data)
		got, err := r.ReadRange(tc.min, tc.max)
		if err != nil {
			t.Fatalf("ReadRange: %v", err)
		}
		if got != tc.value {
			t.Errorf("round trip %d in [%d,%d]: got %d", tc.value, tc.min, tc.max, got)
		}
	}
}

func TestSignedRoundTrip(t *testing.T) {
	for _, v := range []int32{0, 1, -1, 12345, -12345, math.MinInt32 + 1, math.MaxInt32 - 1} {
		w := NewWriter(8)
		w.WriteSigned(v, 32)
		r := NewReader(w.Flush())
		got, err := r.ReadSigned(32)
		if err != nil {
			t.Fatalf("ReadSigned: %v", err)
		}
		if got != v {
			t.Errorf("signed round trip: want %d got %d", v, got)
		}
	}
}

func TestFloatRoundTrip(t *testing.T) {
	w := NewWriter(16)
	w.WriteFloat32(3.14159)
	w.WriteFloat64(2.71828182845)
	r := NewReader(w.Flush())
	f32, err := r.ReadFloat32()
	if err != nil || f32 != float32(3.14159) {
		t.Errorf("ReadFloat32: got %v, err %v", f32, err)
	}
	f64, err := r.ReadFloat64()
	if err != nil || f64 != 2.71828182845 {
		t.Errorf("ReadFloat64: got %v, err %v", f64, err)
	}
}

func TestFixedPointRoundTrip(t *testing.T) {
	w := NewWriter(8)
	if err := w.WriteFixedPoint(12.5, 0, 100, 8); err != nil {
		t.Fatalf("WriteFixedPoint: %v", err)
	}
	r := NewReader(w.Flush())
	got, err := r.ReadFixedPoint(0, 100, 8)
	if err != nil {
		t.Fatalf("ReadFixedPoint: %v", err)
	}
	if math.Abs(float64(got-12.5)) > 0.01 {
		t.Errorf("fixed point round trip: want ~12.5, got %v", got)
	}
}

func TestBytesRoundTrip(t *testing.T) {
	payload := []byte("hello, nbnet")
	w := NewWriter(32)
	if err := w.WriteBytes(payload, 4096); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	r := NewReader(w.Flush())
	got, err := r.ReadBytes(4096)
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if diff := deep.Equal(got, payload); diff != nil {
		t.Errorf("byte array round trip mismatch: %v", diff)
	}
}

func TestWriteBytesTooLong(t *testing.T) {
	w := NewWriter(8)
	if err := w.WriteBytes(make([]byte, 10), 4); err == nil {
		t.Error("expected error writing array longer than maxLen")
	}
}

func TestReadPastEndErrors(t *testing.T) {
	r := NewReader([]byte{0x01})
	if _, err := r.ReadBits(64); err == nil {
		t.Error("expected error reading past end of buffer")
	}
}

func TestDeterministicEncoding(t *testing.T) {
	build := func() []byte {
		w := NewWriter(16)
		w.WriteBits(7, 3)
		w.WriteRange(42, 0, 100)
		w.WriteSigned(-5, 8)
		return w.Flush()
	}
	a, b := build(), build()
	if diff := deep.Equal(a, b); diff != nil {
		t.Errorf("encoding not deterministic: %v", diff)
	}
}

func TestMixedFieldsRoundTrip(t *testing.T) {
	w := NewWriter(32)
	w.WriteBits(0x2A, 6)
	w.WriteRange(500, 0, 1023)
	w.WriteSigned(-1000, 16)
	w.WriteFloat32(1.5)
	if err := w.WriteBytes([]byte{1, 2, 3}, 255); err != nil {
		t.Fatal(err)
	}
	data := w.Flush()

	r := NewReader(data)
	if v, _ := r.ReadBits(6); v != 0x2A {
		t.Errorf("bits mismatch: %d", v)
	}
	if v, _ := r.ReadRange(0, 1023); v != 500 {
		t.Errorf("range mismatch: %d", v)
	}
	if v, _ := r.ReadSigned(16); v != -1000 {
		t.Errorf("signed mismatch: %d", v)
	}
	if v, _ := r.ReadFloat32(); v != 1.5 {
		t.Errorf("float mismatch: %v", v)
	}
	if v, _ := r.ReadBytes(255); deep.Equal(v, []byte{1, 2, 3}) != nil {
		t.Errorf("bytes mismatch: %v", v)
	}
}
