package devman

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorLayout(t *testing.T) {
	assert.Equal(t, MaxDevices, 1<<DeviceBits, "device bits must cover the table")
	assert.Equal(t, 11, LocalBits)
	assert.Equal(t, 2047, MaxLocal)
}

func TestDescriptorRoundTrip(t *testing.T) {
	for index := 0; index < MaxDevices; index++ {
		for local := 0; local <= MaxLocal; local++ {
			d, err := Encode(index, local)
			if err != nil {
				t.Fatalf("Encode(%d, %d): %v", index, local, err)
			}
			if d < 0 || int(d) >= 1<<(DescriptorBits-1) {
				t.Fatalf("Encode(%d, %d) = %d, outside the non-negative 16-bit range", index, local, d)
			}
			gotIndex, gotLocal := d.Decode()
			if gotIndex != index || gotLocal != local {
				t.Fatalf("Decode(Encode(%d, %d)) = (%d, %d)", index, local, gotIndex, gotLocal)
			}
		}
	}
}

func TestEncodeRejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name  string
		index int
		local int
	}{
		{name: "local too large", index: 0, local: MaxLocal + 1},
		{name: "negative local", index: 0, local: -1},
		{name: "index too large", index: MaxDevices, local: 0},
		{name: "negative index", index: -1, local: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Encode(tt.index, tt.local)
			require.ErrorIs(t, err, ErrDescriptorRange)
			assert.Equal(t, Descriptor(-1), d)
		})
	}
}

func TestDecodeInvalid(t *testing.T) {
	for _, d := range []Descriptor{-1, 1 << 15, 1 << 20} {
		index, local := d.Decode()
		assert.Equal(t, -1, index, "descriptor %d", int(d))
		assert.Equal(t, -1, local, "descriptor %d", int(d))
	}
}

func TestStdDescriptors(t *testing.T) {
	for want, d := range []Descriptor{Stdin, Stdout, Stderr} {
		index, local := d.Decode()
		assert.Equal(t, 0, index)
		assert.Equal(t, want, local)

		enc, err := Encode(0, want)
		require.NoError(t, err)
		assert.Equal(t, d, enc)
	}
}
