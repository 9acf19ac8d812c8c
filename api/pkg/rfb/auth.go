package rfb

import (
	"crypto/des"
	"fmt"
)

// VNCAuthResponse answers a VNC Authentication challenge. The password
// is truncated/padded to 8 bytes and each key byte has its bits
// reversed, a quirk of the original VNC DES implementation that every
// server expects.
func VNCAuthResponse(password string, challenge [16]byte) ([16]byte, error) {
	var response [16]byte
	block, err := des.NewCipher(vncDESKey(password))
	if err != nil {
		return response, fmt.Errorf("building vnc auth cipher: %w", err)
	}
	block.Encrypt(response[0:8], challenge[0:8])
	block.Encrypt(response[8:16], challenge[8:16])
	return response, nil
}

func vncDESKey(password string) []byte {
	key := make([]byte, 8)
	for i := 0; i < 8 && i < len(password); i++ {
		key[i] = reverseBits(password[i])
	}
	return key
}

func reverseBits(b byte) byte {
	var out byte
	for i := 0; i < 8; i++ {
		if b&(1<<i) != 0 {
			out |= 1 << (7 - i)
		}
	}
	return out
}
