package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtendMatchesOneShot(t *testing.T) {
	header := []byte{1, 2, 3, 4}
	key := []byte("blob-key")
	payload := []byte("payload bytes")

	all := append(append(append([]byte{}, header...), key...), payload...)

	crc := Extend(0, header)
	crc = Extend(crc, key)
	crc = Extend(crc, payload)

	assert.Equal(t, CRC32C(all), crc)

	h := NewCRC32C()
	_, _ = h.Write(all)
	assert.Equal(t, CRC32C(all), h.Sum32())
}

func TestCRC32CKnownValue(t *testing.T) {
	// RFC 3720 B.4 test vector: 32 bytes of zeros.
	assert.Equal(t, uint32(0x8a9136aa), CRC32C(make([]byte, 32)))
}
