package base

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectFileType(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want FileType
	}{
		{"bsa", []byte("BSA\x00rest of header"), FileTypeBSA},
		{"ba2", []byte("BTDX\x01\x00\x00\x00GNRL"), FileTypeBA2},
		{"btar", []byte{'B', 'T', 'A', 'R', 0, 1, 0, 3}, FileTypeBTAR},
		{"zip", []byte("PK\x03\x04data"), FileTypeZIP},
		{"empty zip", []byte("PK\x05\x06data"), FileTypeZIP},
		{"exe", []byte("MZ\x90\x00payload"), FileTypeEXE},
		{"rar old", []byte("Rar!\x1a\x07\x00x"), FileTypeRAROld},
		{"rar new", []byte("Rar!\x1a\x07\x01\x00x"), FileTypeRARNew},
		{"7z", []byte{'7', 'z', 0xbc, 0xaf, 0x27, 0x1c, 0, 0}, FileType7Z},
		{"tes3", []byte{0x00, 0x01, 0x00, 0x00, 1, 2, 3, 4}, FileTypeTES3},
		{"unknown", []byte("plain text file"), FileTypeUnknown},
		{"empty", nil, FileTypeUnknown},
		{"short", []byte("PK"), FileTypeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectFileType(bytes.NewReader(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetectFileTypeRestoresPosition(t *testing.T) {
	r := bytes.NewReader([]byte("BSA\x00more bytes here"))
	_, err := r.Seek(5, io.SeekStart)
	require.NoError(t, err)

	_, err = DetectFileType(r)
	require.NoError(t, err)

	pos, err := r.Seek(0, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(5), pos)
}
