package oscmd

import (
	"context"
	"testing"
)

const psSampleOutput = `    1 systemd         /sbin/init
  917 sshd            sshd: /usr/sbin/sshd -D
 4321 ShooterGameServ /srv/ark/island/ShooterGame/Binaries/Linux/ShooterGameServer TheIsland?listen?SessionName=island?Port=7777?QueryPort=27015
 4400 bash            bash -c sleep 600
 4512 ShooterGameServ /srv/ark/ragnarok/ShooterGame/Binaries/Linux/ShooterGameServer Ragnarok?listen?Port=7779
`

func TestParsePSTable(t *testing.T) {
	procs := parsePSTable(psSampleOutput)
	if len(procs) != 5 {
		t.Fatalf("expected 5 processes, got %d", len(procs))
	}

	if procs[2].PID != 4321 {
		t.Errorf("expected pid 4321, got %d", procs[2].PID)
	}
	if procs[2].Executable != "ShooterGameServ" {
		t.Errorf("unexpected executable: %s", procs[2].Executable)
	}
	if procs[0].CommandLine != "/sbin/init" {
		t.Errorf("unexpected command line: %s", procs[0].CommandLine)
	}
}

func TestSnapshotFiltersByExecutable(t *testing.T) {
	runner := &MockRunner{Output: psSampleOutput}
	reader := NewPSTableReader(runner)

	// comm is truncated to 15 chars, so the full executable name must
	// still match.
	procs, err := reader.Snapshot(context.Background(), "ShooterGameServer")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(procs) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(procs))
	}
	if procs[0].PID != 4321 || procs[1].PID != 4512 {
		t.Errorf("unexpected pids: %d, %d", procs[0].PID, procs[1].PID)
	}
}

func TestSnapshotEmptyFilterReturnsAll(t *testing.T) {
	runner := &MockRunner{Output: psSampleOutput}
	reader := NewPSTableReader(runner)

	procs, err := reader.Snapshot(context.Background(), "")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(procs) != 5 {
		t.Errorf("expected all 5 processes, got %d", len(procs))
	}
}

func TestSnapshotMatchesArgvWhenCommDiffers(t *testing.T) {
	// A wrapper script shows up as bash in comm but launches the server
	// binary as argv[0].
	output := ` 7001 bash /srv/ark/island/ShooterGameServer TheIsland?listen`
	runner := &MockRunner{Output: output}
	reader := NewPSTableReader(runner)

	procs, err := reader.Snapshot(context.Background(), "ShooterGameServer")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(procs) != 1 {
		t.Fatalf("expected 1 match, got %d", len(procs))
	}
	if procs[0].PID != 7001 {
		t.Errorf("expected pid 7001, got %d", procs[0].PID)
	}
}

func TestSnapshotPSFailure(t *testing.T) {
	runner := &MockRunner{ExitCode: 1, Output: ""}
	reader := NewPSTableReader(runner)

	if _, err := reader.Snapshot(context.Background(), "ShooterGameServer"); err == nil {
		t.Fatal("expected error when ps fails")
	}
}
