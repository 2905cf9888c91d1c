package originaldst

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ipv4Buf(port uint16, a, b, c, d byte) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint16(buf[0:2], afINET)
	binary.BigEndian.PutUint16(buf[2:4], port)
	buf[4], buf[5], buf[6], buf[7] = a, b, c, d
	return buf
}

func ipv6Buf(port uint16, addr [16]byte) []byte {
	buf := make([]byte, 28)
	binary.BigEndian.PutUint16(buf[0:2], afINET6)
	binary.BigEndian.PutUint16(buf[2:4], port)
	copy(buf[8:24], addr[:])
	return buf
}

func TestParseIPv4(t *testing.T) {
	buf := ipv4Buf(8080, 206, 190, 36, 45)
	ip, port, err := Parse(buf)
	require.NoError(t, err)
	assert.Equal(t, "206.190.36.45", ip.String())
	assert.Equal(t, 8080, port)
}

func TestParseIPv6(t *testing.T) {
	var addr [16]byte
	addr[0], addr[15] = 0x20, 0x01
	buf := ipv6Buf(443, addr)
	ip, port, err := Parse(buf)
	require.NoError(t, err)
	assert.Equal(t, 443, port)
	assert.Len(t, ip, 16)
}

func TestParseEmpty(t *testing.T) {
	_, _, err := Parse(nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestParseUnknownFamilyFallsBackToIPv4Length(t *testing.T) {
	buf := make([]byte, 16) // family left zeroed, like some platforms
	binary.BigEndian.PutUint16(buf[2:4], 53)
	buf[4], buf[5], buf[6], buf[7] = 1, 2, 3, 4
	ip, port, err := Parse(buf)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", ip.String())
	assert.Equal(t, 53, port)
}

func TestParseTooShort(t *testing.T) {
	_, _, err := Parse([]byte{0, 2, 0, 80})
	assert.ErrorIs(t, err, ErrUnavailable)
}
