package procmatch

import (
	"errors"
	"testing"

	"github.com/arkvisor/arkvisor/internal/config"
	"github.com/arkvisor/arkvisor/internal/oscmd"
)

func islandDescriptor() *config.Descriptor {
	return &config.Descriptor{
		Name: "island",
		Map:  "TheIsland",
		Ports: config.PortSet{
			Game:  7777,
			Query: 27015,
			RCON:  27020,
		},
		Paths: config.InstallPaths{
			InstallDir: "/srv/ark/island",
			Executable: "/srv/ark/island/ShooterGame/Binaries/Linux/ShooterGameServer",
		},
		Credentials: config.Credentials{AdminPassword: "hunter2"},
	}
}

func proc(pid int, cmdline string) oscmd.Process {
	return oscmd.Process{PID: pid, Executable: "ShooterGameServ", CommandLine: cmdline}
}

func TestIdentifyByGamePort(t *testing.T) {
	procs := []oscmd.Process{
		proc(100, "/srv/ark/other/ShooterGameServer Ragnarok?listen?Port=7779?QueryPort=27016"),
		proc(200, "/srv/ark/island/ShooterGameServer TheIsland?listen?SessionName=island?Port=7777?QueryPort=27015"),
	}

	pid, err := Identify(islandDescriptor(), procs)
	if err != nil {
		t.Fatalf("Identify failed: %v", err)
	}
	if pid != 200 {
		t.Errorf("expected pid 200, got %d", pid)
	}
}

func TestIdentifyPrefersExternalPort(t *testing.T) {
	desc := islandDescriptor()
	desc.Ports.External = 7878

	procs := []oscmd.Process{
		proc(300, "ShooterGameServer TheIsland?listen?Port=7878"),
	}

	pid, err := Identify(desc, procs)
	if err != nil {
		t.Fatalf("Identify failed: %v", err)
	}
	if pid != 300 {
		t.Errorf("expected pid 300, got %d", pid)
	}
}

func TestIdentifyPortTokenBoundaries(t *testing.T) {
	desc := islandDescriptor()

	// Port=77770 must not satisfy Port=7777.
	procs := []oscmd.Process{
		proc(100, "ShooterGameServer TheIsland?listen?Port=77770"),
	}
	if _, err := Identify(desc, procs); !errors.Is(err, ErrNoMatch) {
		t.Errorf("expected no match for longer port, got %v", err)
	}

	// QueryPort=7777 must not satisfy the game-port token Port=7777.
	procs = []oscmd.Process{
		proc(101, "ShooterGameServer Ragnarok?listen?QueryPort=7777?Port=9999"),
	}
	if _, err := Identify(desc, procs); !errors.Is(err, ErrNoMatch) {
		t.Errorf("expected no match for prefixed token, got %v", err)
	}
}

func TestIdentifyPriorityOrder(t *testing.T) {
	// One process matches only the query port, another only the game
	// port. The game-port level decides first.
	procs := []oscmd.Process{
		proc(100, "ShooterGameServer Ragnarok?listen?Port=9999?QueryPort=27015"),
		proc(200, "ShooterGameServer TheIsland?listen?Port=7777?QueryPort=99999"),
	}

	pid, err := Identify(islandDescriptor(), procs)
	if err != nil {
		t.Fatalf("Identify failed: %v", err)
	}
	if pid != 200 {
		t.Errorf("expected game-port match 200, got %d", pid)
	}
}

func TestIdentifyNoCascadePastDecidingLevel(t *testing.T) {
	// Two processes tie on the query port. Even though only one of them
	// would match the session name, the tie must surface as ambiguity
	// instead of falling through to a lower level.
	procs := []oscmd.Process{
		proc(100, "ShooterGameServer Ragnarok?listen?QueryPort=27015"),
		proc(200, "ShooterGameServer TheIsland?listen?SessionName=island?QueryPort=27015"),
	}

	_, err := Identify(islandDescriptor(), procs)
	if !errors.Is(err, ErrAmbiguousMatch) {
		t.Fatalf("expected ErrAmbiguousMatch, got %v", err)
	}

	var ambiguous *AmbiguousMatchError
	if !errors.As(err, &ambiguous) {
		t.Fatal("expected AmbiguousMatchError")
	}
	if len(ambiguous.PIDs) != 2 {
		t.Errorf("expected 2 candidate pids, got %v", ambiguous.PIDs)
	}
	if ambiguous.Level != "query port" {
		t.Errorf("expected query port level, got %s", ambiguous.Level)
	}
}

func TestIdentifyBySessionName(t *testing.T) {
	procs := []oscmd.Process{
		proc(100, "ShooterGameServer Ragnarok?listen?SessionName=ragnarok?Port=7779"),
		proc(200, "ShooterGameServer TheIsland?listen?SessionName=island?Port=8888"),
	}

	pid, err := Identify(islandDescriptor(), procs)
	if err != nil {
		t.Fatalf("Identify failed: %v", err)
	}
	if pid != 200 {
		t.Errorf("expected session-name match 200, got %d", pid)
	}
}

func TestIdentifyByInstallPath(t *testing.T) {
	procs := []oscmd.Process{
		proc(100, "/srv/ark/ragnarok/ShooterGameServer Ragnarok?listen"),
		proc(200, "/srv/ark/island/ShooterGameServer TheIsland?listen"),
	}

	pid, err := Identify(islandDescriptor(), procs)
	if err != nil {
		t.Fatalf("Identify failed: %v", err)
	}
	if pid != 200 {
		t.Errorf("expected install-path match 200, got %d", pid)
	}
}

func TestIdentifyNoMatch(t *testing.T) {
	procs := []oscmd.Process{
		proc(100, "/srv/ark/ragnarok/ShooterGameServer Ragnarok?listen?Port=7779"),
	}

	_, err := Identify(islandDescriptor(), procs)
	if !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
}

func TestIdentifyEmptySnapshot(t *testing.T) {
	_, err := Identify(islandDescriptor(), nil)
	if !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch for empty snapshot, got %v", err)
	}
}
