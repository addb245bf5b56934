package rcon

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Source RCON packet types. Auth responses reuse the exec-command type
// value; direction disambiguates them.
const (
	packetTypeResponseValue int32 = 0
	packetTypeExecCommand   int32 = 2
	packetTypeAuthResponse  int32 = 2
	packetTypeAuth          int32 = 3
)

// Body limit per the protocol, plus id, type and the two terminators.
const maxPacketSize = 4096 + 10

// writePacket frames one packet: little-endian size prefix, then id,
// type, body and two NUL terminators.
func writePacket(w io.Writer, id, ptype int32, body string) error {
	size := int32(4 + 4 + len(body) + 2)
	if size > maxPacketSize {
		return fmt.Errorf("packet body too large: %d bytes", len(body))
	}

	buf := make([]byte, 0, 4+size)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(size))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(id))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(ptype))
	buf = append(buf, body...)
	buf = append(buf, 0x00, 0x00)

	_, err := w.Write(buf)
	return err
}

// readPacket reads one framed packet
func readPacket(r io.Reader) (id, ptype int32, body string, err error) {
	var size int32
	if err = binary.Read(r, binary.LittleEndian, &size); err != nil {
		return 0, 0, "", err
	}
	if size < 10 || size > maxPacketSize {
		return 0, 0, "", fmt.Errorf("invalid packet size %d", size)
	}

	payload := make([]byte, size)
	if _, err = io.ReadFull(r, payload); err != nil {
		return 0, 0, "", err
	}

	id = int32(binary.LittleEndian.Uint32(payload[0:4]))
	ptype = int32(binary.LittleEndian.Uint32(payload[4:8]))
	body = string(payload[8 : size-2])
	return id, ptype, body, nil
}
