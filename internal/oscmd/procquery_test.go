package oscmd

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestQueryByPID(t *testing.T) {
	runner := &MockRunner{Output: "  3600  12.5 2048000 Sl"}
	q := NewPSQuerier(runner)

	info, err := q.QueryByPID(context.Background(), 4321)
	if err != nil {
		t.Fatalf("QueryByPID failed: %v", err)
	}
	if info.PID != 4321 {
		t.Errorf("expected pid 4321, got %d", info.PID)
	}
	if info.CPUPercent != 12.5 {
		t.Errorf("expected cpu 12.5, got %f", info.CPUPercent)
	}
	if info.MemoryBytes != 2048000*1024 {
		t.Errorf("expected rss in bytes, got %d", info.MemoryBytes)
	}
	if !info.Responding {
		t.Error("expected responding process")
	}

	age := time.Since(info.StartedAt)
	if age < 59*time.Minute || age > 61*time.Minute {
		t.Errorf("expected start time about an hour ago, got %v", age)
	}
}

func TestQueryByPIDGone(t *testing.T) {
	runner := &MockRunner{ExitCode: 1, Output: ""}
	q := NewPSQuerier(runner)

	_, err := q.QueryByPID(context.Background(), 99999)
	if !errors.Is(err, ErrNoProcess) {
		t.Fatalf("expected ErrNoProcess, got %v", err)
	}
}

func TestQueryByPIDRunnerFailure(t *testing.T) {
	runner := &MockRunner{Err: errors.New("ssh connection lost")}
	q := NewPSQuerier(runner)

	_, err := q.QueryByPID(context.Background(), 4321)
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrNoProcess) {
		t.Fatal("runner failure must not look like a missing process")
	}
}

func TestQueryByPIDZombie(t *testing.T) {
	runner := &MockRunner{Output: "  10  0.0 0 Z"}
	q := NewPSQuerier(runner)

	info, err := q.QueryByPID(context.Background(), 4321)
	if err != nil {
		t.Fatalf("QueryByPID failed: %v", err)
	}
	if info.Responding {
		t.Error("expected zombie to be non-responding")
	}
}

func TestQueryByExecutable(t *testing.T) {
	runner := &MockRunner{Output: ` 4321   3600 12.5 2048000 Sl ShooterGameServ
 4400    100  0.1    4096 Ss bash
 4512    60  5.0 1024000 Sl ShooterGameServ`}
	q := NewPSQuerier(runner)

	infos, err := q.QueryByExecutable(context.Background(), "ShooterGameServer")
	if err != nil {
		t.Fatalf("QueryByExecutable failed: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(infos))
	}
	if infos[0].PID != 4321 || infos[1].PID != 4512 {
		t.Errorf("unexpected pids: %d, %d", infos[0].PID, infos[1].PID)
	}
}
