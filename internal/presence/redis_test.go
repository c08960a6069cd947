package presence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestKeys(t *testing.T) {
	s := NewStore(nil, "")
	if got := s.statusKey("u1"); got != "carechat:presence:user:u1" {
		t.Errorf("statusKey() = %q", got)
	}
	if got := s.onlineKey(); got != "carechat:presence:online" {
		t.Errorf("onlineKey() = %q", got)
	}
}

func TestStore_Redis(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("skip: TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb, err := Connect(ctx, addr)
	if err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	defer rdb.Close()

	s := NewStore(rdb, "carechat-test-"+uuid.NewString())
	fixed := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return fixed }
	defer rdb.Del(ctx, s.onlineKey())

	if _, ok, err := s.Get(ctx, "u1"); err != nil || ok {
		t.Fatalf("Get(unknown) = ok %v, err %v; want not found", ok, err)
	}
	if err := s.MarkOnline(ctx, "u1"); err != nil {
		t.Fatalf("MarkOnline() error = %v", err)
	}
	defer rdb.Del(ctx, s.statusKey("u1"))
	st, ok, err := s.Get(ctx, "u1")
	if err != nil || !ok || st.Status != "online" || st.LastSeen != fixed.Unix() {
		t.Errorf("Get() = %+v ok %v err %v, want online", st, ok, err)
	}
	if n, _ := s.OnlineCount(ctx); n != 1 {
		t.Errorf("OnlineCount() = %d, want 1", n)
	}

	if err := s.MarkOffline(ctx, "u1"); err != nil {
		t.Fatalf("MarkOffline() error = %v", err)
	}
	st, _, _ = s.Get(ctx, "u1")
	if st.Status != "offline" {
		t.Errorf("status after MarkOffline = %q", st.Status)
	}
	if n, _ := s.OnlineCount(ctx); n != 0 {
		t.Errorf("OnlineCount() = %d, want 0", n)
	}
}
