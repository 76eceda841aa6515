package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/ispec/internal/domain"
)

func newTestAgentStore(t *testing.T) *AgentSQLite {
	t.Helper()
	s, err := NewAgentSQLite(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("open agent store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestClaimRespectsAvailableAt(t *testing.T) {
	s := newTestAgentStore(t)
	ctx := context.Background()
	now := time.Now()

	id, err := s.EnqueueCommand(ctx, &domain.Command{
		CommandType: domain.CommandBuildSupportDigest,
		AvailableAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	cmd, err := s.ClaimNextCommand(ctx, "agent", "run", now)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if cmd != nil {
		t.Errorf("Expected no claimable command before available_at, got %d", cmd.ID)
	}

	cmd, err = s.ClaimNextCommand(ctx, "agent", "run", now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("claim after available_at: %v", err)
	}
	if cmd == nil || cmd.ID != id {
		t.Fatalf("Expected command %d claimed, got %+v", id, cmd)
	}
	if cmd.Status != domain.CommandRunning {
		t.Errorf("Expected running status, got %s", cmd.Status)
	}
	if cmd.ClaimedBy != "agent/run" {
		t.Errorf("Expected claimed_by agent/run, got %s", cmd.ClaimedBy)
	}
}

func TestClaimOrdersByPriorityThenAvailability(t *testing.T) {
	s := newTestAgentStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	later, _ := s.EnqueueCommand(ctx, &domain.Command{
		CommandType: domain.CommandBuildSupportDigest,
		Priority:    10,
		AvailableAt: base.Add(time.Minute),
	})
	earlier, _ := s.EnqueueCommand(ctx, &domain.Command{
		CommandType: domain.CommandBuildSupportDigest,
		Priority:    10,
		AvailableAt: base,
	})
	urgent, _ := s.EnqueueCommand(ctx, &domain.Command{
		CommandType: domain.CommandBuildSupportDigest,
		Priority:    1,
		AvailableAt: base.Add(2 * time.Minute),
	})

	want := []int64{urgent, earlier, later}
	for i, expected := range want {
		cmd, err := s.ClaimNextCommand(ctx, "agent", "run", time.Now())
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if cmd == nil || cmd.ID != expected {
			t.Fatalf("Expected claim %d to return command %d, got %+v", i, expected, cmd)
		}
	}
}

func TestPendingCommandIDIgnoresRunning(t *testing.T) {
	s := newTestAgentStore(t)
	ctx := context.Background()

	if _, err := s.EnqueueCommand(ctx, &domain.Command{CommandType: domain.CommandOrchestratorTick}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.ClaimNextCommand(ctx, "agent", "run", time.Now()); err != nil {
		t.Fatalf("claim: %v", err)
	}

	id, err := s.PendingCommandID(ctx, domain.CommandOrchestratorTick)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if id != 0 {
		t.Errorf("Expected running command excluded from pending, got %d", id)
	}
}
