package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/cyclevc/internal/resilience"
	"github.com/MrWong99/cyclevc/pkg/featstore"
	featmock "github.com/MrWong99/cyclevc/pkg/featstore/mock"
)

func TestStore_ForwardsReads(t *testing.T) {
	t.Parallel()
	inner := featmock.New()
	inner.PutMatrix("data/SF1/u1.h5", featstore.KeyOrgLf0, [][]float32{{1, 2}})
	inner.PutVector("data/SF1/u1.h5", featstore.KeySpeechRange, []float32{0})
	s := resilience.NewStore(inner, resilience.CircuitBreakerConfig{})
	ctx := context.Background()

	if ok, err := s.Exists(ctx, "data/SF1/u1.h5", featstore.KeyOrgLf0); !ok || err != nil {
		t.Errorf("Exists = %v, %v", ok, err)
	}
	if ok, err := s.HasFile(ctx, "data/SF1/u1.h5"); !ok || err != nil {
		t.Errorf("HasFile = %v, %v", ok, err)
	}
	if m, err := s.ReadMatrix(ctx, "data/SF1/u1.h5", featstore.KeyOrgLf0); err != nil || len(m) != 1 {
		t.Errorf("ReadMatrix = %v, %v", m, err)
	}
	if v, err := s.ReadVector(ctx, "data/SF1/u1.h5", featstore.KeySpeechRange); err != nil || len(v) != 1 {
		t.Errorf("ReadVector = %v, %v", v, err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if got := inner.CallCount("ReadMatrix"); got != 1 {
		t.Errorf("inner ReadMatrix calls = %d, want 1", got)
	}
}

func TestStore_NotFoundDoesNotTrip(t *testing.T) {
	t.Parallel()
	s := resilience.NewStore(featmock.New(), resilience.CircuitBreakerConfig{MaxFailures: 2})
	for range 5 {
		_, err := s.ReadMatrix(context.Background(), "data/SF1/missing.h5", featstore.KeyOrgLf0)
		if !errors.Is(err, featstore.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	}
	if st := s.Breaker().State(); st != resilience.StateClosed {
		t.Errorf("state = %v, want closed", st)
	}
}

func TestStore_BackendFailureFailsFast(t *testing.T) {
	t.Parallel()
	inner := featmock.New()
	inner.ReadErr = errors.New("connection refused")
	inner.PingErr = errors.New("connection refused")
	s := resilience.NewStore(inner, resilience.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})
	ctx := context.Background()

	for range 2 {
		if _, err := s.ReadVector(ctx, "stats/SF1.h5", "/mean_feat_org_lf0"); errors.Is(err, resilience.ErrCircuitOpen) {
			t.Fatal("breaker opened too early")
		}
	}
	_, err := s.ReadMatrix(ctx, "data/SF1/u1.h5", featstore.KeyOrgLf0)
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if got := inner.CallCount("ReadMatrix"); got != 0 {
		t.Errorf("inner ReadMatrix calls = %d, want 0 while open", got)
	}
	if err := s.Ping(ctx); err == nil || errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("Ping err = %v, want the backend error", err)
	}
}
