package rcon

import (
	"bytes"
	"strings"
	"testing"
)

func TestPacketFraming(t *testing.T) {
	var buf bytes.Buffer
	if err := writePacket(&buf, 7, packetTypeExecCommand, "SaveWorld"); err != nil {
		t.Fatalf("writePacket failed: %v", err)
	}

	// size(4) + id(4) + type(4) + body(9) + NUL NUL
	want := []byte{
		0x13, 0x00, 0x00, 0x00,
		0x07, 0x00, 0x00, 0x00,
		0x02, 0x00, 0x00, 0x00,
		'S', 'a', 'v', 'e', 'W', 'o', 'r', 'l', 'd',
		0x00, 0x00,
	}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("wire bytes mismatch:\n got %v\nwant %v", buf.Bytes(), want)
	}

	id, ptype, body, err := readPacket(&buf)
	if err != nil {
		t.Fatalf("readPacket failed: %v", err)
	}
	if id != 7 || ptype != packetTypeExecCommand || body != "SaveWorld" {
		t.Errorf("got id=%d type=%d body=%q", id, ptype, body)
	}
}

func TestPacketEmptyBody(t *testing.T) {
	var buf bytes.Buffer
	if err := writePacket(&buf, -1, packetTypeAuthResponse, ""); err != nil {
		t.Fatalf("writePacket failed: %v", err)
	}

	id, ptype, body, err := readPacket(&buf)
	if err != nil {
		t.Fatalf("readPacket failed: %v", err)
	}
	if id != -1 {
		t.Errorf("expected id -1, got %d", id)
	}
	if ptype != packetTypeAuthResponse || body != "" {
		t.Errorf("got type=%d body=%q", ptype, body)
	}
}

func TestWritePacketRejectsOversizedBody(t *testing.T) {
	var buf bytes.Buffer
	if err := writePacket(&buf, 1, packetTypeExecCommand, strings.Repeat("x", 4200)); err == nil {
		t.Fatal("expected error for oversized body")
	}
}

func TestReadPacketRejectsBadSize(t *testing.T) {
	// Declared size below the protocol minimum.
	raw := []byte{0x02, 0x00, 0x00, 0x00, 0x01, 0x02}
	if _, _, _, err := readPacket(bytes.NewReader(raw)); err == nil {
		t.Fatal("expected error for undersized packet")
	}

	// Declared size beyond the protocol maximum.
	raw = []byte{0xff, 0xff, 0x00, 0x00}
	if _, _, _, err := readPacket(bytes.NewReader(raw)); err == nil {
		t.Fatal("expected error for oversized packet")
	}
}
