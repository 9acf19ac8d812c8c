package rfb

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/lisehq/lise/api/pkg/types"
)

// ServerInit is the server's framebuffer description, received at the
// end of the handshake. The dimensions are fixed for the life of the
// session.
type ServerInit struct {
	Width, Height uint16
	Format        PixelFormat
	Name          string
}

// ReadServerVersion reads the 12-byte server version banner and checks
// the protocol family.
func ReadServerVersion(r io.Reader) (major, minor int, err error) {
	var banner [12]byte
	if _, err := io.ReadFull(r, banner[:]); err != nil {
		return 0, 0, &types.HandshakeError{Stage: "version", Err: err}
	}
	if _, err := fmt.Sscanf(string(banner[:]), "RFB %03d.%03d\n", &major, &minor); err != nil {
		return 0, 0, &types.HandshakeError{Stage: "version", Err: fmt.Errorf("bad banner %q", banner)}
	}
	return major, minor, nil
}

// ReadSecurityTypes reads the 3.8 security type list. An empty list
// means the server refused the connection and follows with a reason
// string.
func ReadSecurityTypes(r io.Reader) ([]uint8, error) {
	var count [1]byte
	if _, err := io.ReadFull(r, count[:]); err != nil {
		return nil, &types.HandshakeError{Stage: "security", Err: err}
	}
	if count[0] == 0 {
		reason, _ := readReason(r)
		return nil, &types.HandshakeError{Stage: "security", Err: fmt.Errorf("server refused connection: %s", reason)}
	}
	list := make([]uint8, count[0])
	if _, err := io.ReadFull(r, list); err != nil {
		return nil, &types.HandshakeError{Stage: "security", Err: err}
	}
	return list, nil
}

// ReadSecurityResult reads the SecurityResult word; non-zero is a
// failure with a trailing reason string in 3.8.
func ReadSecurityResult(r io.Reader) error {
	var word [4]byte
	if _, err := io.ReadFull(r, word[:]); err != nil {
		return &types.HandshakeError{Stage: "security-result", Err: err}
	}
	if binary.BigEndian.Uint32(word[:]) != 0 {
		reason, _ := readReason(r)
		return &types.HandshakeError{Stage: "security-result", Err: fmt.Errorf("authentication failed: %s", reason)}
	}
	return nil
}

// ReadServerInit reads the ServerInit message.
func ReadServerInit(r io.Reader) (*ServerInit, error) {
	var fixed [24]byte // width, height, 16-byte pixel format, name length
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, &types.HandshakeError{Stage: "server-init", Err: err}
	}
	format, err := UnmarshalPixelFormat(fixed[4:20])
	if err != nil {
		return nil, &types.HandshakeError{Stage: "server-init", Err: err}
	}
	nameLen := binary.BigEndian.Uint32(fixed[20:24])
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return nil, &types.HandshakeError{Stage: "server-init", Err: err}
	}
	return &ServerInit{
		Width:  binary.BigEndian.Uint16(fixed[0:2]),
		Height: binary.BigEndian.Uint16(fixed[2:4]),
		Format: format,
		Name:   string(name),
	}, nil
}

func readReason(r io.Reader) (string, error) {
	var word [4]byte
	if _, err := io.ReadFull(r, word[:]); err != nil {
		return "", err
	}
	reason := make([]byte, binary.BigEndian.Uint32(word[:]))
	if _, err := io.ReadFull(r, reason); err != nil {
		return "", err
	}
	return string(reason), nil
}
