package sink

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildPage(headerType byte, granule uint64, packets ...[]byte) []byte {
	var segments []byte
	var body []byte
	for _, p := range packets {
		n := len(p)
		for n >= 255 {
			segments = append(segments, 255)
			n -= 255
		}
		segments = append(segments, byte(n))
		body = append(body, p...)
	}

	var buf bytes.Buffer
	buf.WriteString("OggS")
	buf.WriteByte(0)
	buf.WriteByte(headerType)
	var g [8]byte
	binary.LittleEndian.PutUint64(g[:], granule)
	buf.Write(g[:])
	buf.Write(make([]byte, 12)) // serial, sequence, checksum
	buf.WriteByte(byte(len(segments)))
	buf.Write(segments)
	buf.Write(body)
	return buf.Bytes()
}

func TestOggReaderSplitsPackets(t *testing.T) {
	long := bytes.Repeat([]byte{0xAB}, 300)
	var stream []byte
	stream = append(stream, []byte("garbage")...)
	stream = append(stream, buildPage(0x02, 0, []byte("OpusHead........"))...)
	stream = append(stream, buildPage(0x00, 960, []byte{1, 2, 3}, long)...)

	r := newOggReader(bytes.NewReader(stream))

	head, err := r.ReadPage()
	require.NoError(t, err)
	assert.True(t, head.isHeader)

	page, err := r.ReadPage()
	require.NoError(t, err)
	assert.False(t, page.isHeader)
	assert.Equal(t, uint64(960), page.granule)
	require.Len(t, page.packets, 2)
	assert.Equal(t, []byte{1, 2, 3}, page.packets[0])
	assert.Len(t, page.packets[1], 300)

	_, err = r.ReadPage()
	assert.ErrorIs(t, err, io.EOF)
}

func TestOggReaderDetectsOpusTagsWithoutFlag(t *testing.T) {
	r := newOggReader(bytes.NewReader(buildPage(0x00, 0, []byte("OpusTags-vendor"))))
	page, err := r.ReadPage()
	require.NoError(t, err)
	assert.True(t, page.isHeader)
}

func TestOggReaderTruncatedPage(t *testing.T) {
	page := buildPage(0x00, 0, []byte{9, 9, 9, 9})
	r := newOggReader(bytes.NewReader(page[:len(page)-2]))
	_, err := r.ReadPage()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
