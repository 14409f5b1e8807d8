package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/austindbirch/harbor_relay/internal/db"
	"github.com/austindbirch/harbor_relay/internal/payload"
)

// Requires a reachable database; set HARBORRELAY_TEST_DSN to run.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("HARBORRELAY_TEST_DSN")
	if dsn == "" {
		t.Skip("HARBORRELAY_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer pool.Close()
	if err := db.EnsureSchema(ctx, pool); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}

	s := NewPostgresStore(pool)
	hdrs := payload.CollectorHeaders(payload.KindSession, "pg-key", time.Now())
	a := payload.New(payload.KindSession, "https://sessions.test/", hdrs, []byte(`{"sessions":[]}`))
	b := payload.New(payload.KindSession, "https://sessions.test/", hdrs, []byte(`{"sessions":[1]}`))
	t.Cleanup(func() {
		_ = s.Remove(context.Background(), a)
		_ = s.Remove(context.Background(), b)
	})

	for _, p := range []payload.Payload{a, b, a} {
		if err := s.Append(ctx, p); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := s.Load(ctx, payload.KindSession)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	var mine []payload.Payload
	for _, p := range got {
		if p.ID == a.ID || p.ID == b.ID {
			mine = append(mine, p)
		}
	}
	if len(mine) != 2 || mine[0].ID != a.ID || mine[1].ID != b.ID {
		t.Fatalf("Load() = %v, want [%s %s]", ids(mine), a.ID, b.ID)
	}
	if mine[0].Headers.Get(payload.HeaderAPIKey) != "pg-key" {
		t.Errorf("headers not restored: %v", mine[0].Headers)
	}

	if err := s.Remove(ctx, a); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	got, _ = s.Load(ctx, payload.KindSession)
	for _, p := range got {
		if p.ID == a.ID {
			t.Errorf("payload %s still present after Remove", a.ID)
		}
	}
}
