package logdev

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordInlineBoundary(t *testing.T) {
	small := Record{Data: make([]byte, 511)}
	large := Record{Data: make([]byte, 512)}

	assert.True(t, small.IsInlinable())
	assert.Equal(t, SerializedRecordHeaderSize+511, small.InlinedSize())
	assert.Equal(t, SerializedRecordHeaderSize+511, small.SerializedSize())

	assert.False(t, large.IsInlinable())
	assert.Equal(t, SerializedRecordHeaderSize, large.InlinedSize())
	assert.Equal(t, SerializedRecordHeaderSize+512, large.SerializedSize())
}

func TestRecordRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		inlined bool
	}{
		{"empty", 0, true},
		{"small", 10, true},
		{"last inlined", 511, true},
		{"first out-of-line", 512, false},
		{"large", 4000, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data := bytes.Repeat([]byte{0xAB}, tc.size)
			rec := Record{Data: data}
			buf := make([]byte, rec.InlinedSize())

			written := rec.SerializeInto(buf, 42)
			assert.Equal(t, tc.inlined, written.IsInlined)

			got, err := DecodeSerializedRecord(buf)
			require.NoError(t, err)

			assert.Equal(t, int64(42), got.LogIdx)
			assert.Equal(t, uint32(tc.size), got.Size)
			assert.Equal(t, tc.inlined, got.IsInlined)
			assert.Equal(t, rec.InlinedSize(), got.InlinedSize())

			if tc.inlined {
				assert.Equal(t, data, got.Data)
			} else {
				assert.Nil(t, got.Data)
			}
		})
	}
}

func TestRecordSerializeNegativeIndex(t *testing.T) {
	rec := Record{Data: []byte("x")}
	buf := make([]byte, rec.InlinedSize())
	rec.SerializeInto(buf, -1)

	got, err := DecodeSerializedRecord(buf)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), got.LogIdx)
}

func TestDecodeSerializedRecordShort(t *testing.T) {
	_, err := DecodeSerializedRecord(make([]byte, 5))
	assert.ErrorIs(t, err, ErrShortRecord)

	rec := Record{Data: []byte("hello")}
	buf := make([]byte, rec.InlinedSize())
	rec.SerializeInto(buf, 1)

	_, err = DecodeSerializedRecord(buf[:len(buf)-1])
	assert.ErrorIs(t, err, ErrShortRecord)
}
