package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/desklink/internal/models"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStore(rdb, "test", time.Hour), mr
}

func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore(time.Hour) },
		"redis": func(t *testing.T) Store {
			s, _ := newRedisStore(t)
			return s
		},
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)

			sess := &models.Session{
				ID:       "s1",
				Caller:   alice,
				Receiver: bob,
				Status:   models.SessionRequested,
			}
			if err := store.Create(ctx, sess); err != nil {
				t.Fatalf("Create: %v", err)
			}

			got, err := store.Get(ctx, "s1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Caller != alice || got.Receiver != bob {
				t.Errorf("Get = %+v", got)
			}

			boom := errors.New("boom")
			if _, err := store.Update(ctx, "s1", func(s *models.Session) error {
				s.Status = models.SessionAccepted
				return boom
			}); !errors.Is(err, boom) {
				t.Fatalf("Update err = %v, want boom", err)
			}
			got, _ = store.Get(ctx, "s1")
			if got.Status != models.SessionRequested {
				t.Fatalf("aborted update persisted status %s", got.Status)
			}

			updated, err := store.Update(ctx, "s1", func(s *models.Session) error {
				s.Status = models.SessionAccepted
				return nil
			})
			if err != nil {
				t.Fatalf("Update: %v", err)
			}
			if updated.Status != models.SessionAccepted {
				t.Errorf("Update returned status %s", updated.Status)
			}

			if _, err := store.Update(ctx, "missing", func(*models.Session) error { return nil }); !errors.Is(err, ErrNotFound) {
				t.Errorf("Update missing err = %v, want ErrNotFound", err)
			}

			if err := store.Delete(ctx, "s1"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := store.Get(ctx, "s1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get after delete err = %v, want ErrNotFound", err)
			}
			if err := store.Delete(ctx, "s1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("second Delete err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if err := store.Create(ctx, &models.Session{ID: "s1"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := store.Get(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired Get err = %v, want ErrNotFound", err)
	}
}

func TestRedisStoreTTL(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, &models.Session{ID: "s1"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if ttl := mr.TTL("test:session:s1"); ttl != time.Hour {
		t.Errorf("ttl = %v, want 1h", ttl)
	}
	if err := store.Create(ctx, &models.Session{ID: "s1"}); err == nil {
		t.Error("duplicate Create should fail")
	}

	mr.FastForward(2 * time.Hour)
	if _, err := store.Get(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired Get err = %v, want ErrNotFound", err)
	}
}

func TestRegistryWithRedisStore(t *testing.T) {
	store, _ := newRedisStore(t)
	reg := NewRegistry(store, &recordingNotifier{}, fakeIssuer{}, Options{})
	ctx := context.Background()

	sess, err := reg.Request(ctx, alice, bob, nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if _, err := reg.Accept(ctx, sess.ID, carol, nil); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Accept by stranger err = %v, want ErrForbidden", err)
	}
	tokens, err := reg.Accept(ctx, sess.ID, bob, nil)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if tokens.CallerToken != "s:"+sess.ID+":dev-a:caller" {
		t.Errorf("caller token = %q", tokens.CallerToken)
	}
	if _, err := reg.Accept(ctx, sess.ID, bob, nil); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second Accept err = %v, want ErrInvalidState", err)
	}
}

type fakeIssuer struct{}

func (fakeIssuer) IssueSessionToken(sessionID, _, deviceID, role string, _ time.Duration) (string, error) {
	return "s:" + sessionID + ":" + deviceID + ":" + role, nil
}

func TestRequestLimiter(t *testing.T) {
	l := newRequestLimiter(time.Second)
	now := time.Unix(1_700_000_000, 0)

	if !l.allow("a", now) {
		t.Fatal("first request should pass")
	}
	if l.allow("a", now.Add(500*time.Millisecond)) {
		t.Fatal("request inside the interval should be limited")
	}
	if !l.allow("a", now.Add(1500*time.Millisecond)) {
		t.Fatal("request after the interval should pass")
	}

	later := now.Add(time.Minute)
	l.allow("b", later)
	if _, ok := l.peers["a"]; ok {
		t.Error("idle limiter entry was not evicted")
	}

	if !newRequestLimiter(0).allow("a", now) || !newRequestLimiter(0).allow("a", now) {
		t.Error("zero interval should never limit")
	}
}
