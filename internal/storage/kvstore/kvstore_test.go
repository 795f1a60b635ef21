package kvstore

import (
	"context"
	"errors"
	"os"
	"slices"
	"testing"

	"github.com/dukerupert/goaltrack/internal/auth"
	"github.com/dukerupert/goaltrack/internal/model"
	"github.com/dukerupert/goaltrack/internal/storage"
	"github.com/dukerupert/goaltrack/internal/storage/storagetest"
)

const redisEnv = "GOALTRACK_TEST_REDIS_ADDR"

func TestConformance(t *testing.T) {
	storagetest.Run(t, context.Background(), func(t *testing.T) storage.Service {
		return New(NewMemory(), "")
	})
}

func TestConformanceSignedIn(t *testing.T) {
	ctx := auth.WithUser(context.Background(), model.UserProfile{ID: "user-1"})
	storagetest.Run(t, ctx, func(t *testing.T) storage.Service {
		return New(NewMemory(), "goaltrack:")
	})
}

func TestUserIsolation(t *testing.T) {
	storagetest.RunIsolation(t, func(t *testing.T) storage.Service {
		return New(NewMemory(), "goaltrack:")
	})
}

func TestUserIDIsEscapedInKeys(t *testing.T) {
	mem := NewMemory()
	s := New(mem, "")
	ctx := auth.WithUser(context.Background(), model.UserProfile{ID: "a:review:x"})
	if err := s.SaveGoal(ctx, storagetest.Goal("g1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	keys, err := mem.Keys(context.Background(), "user:a:")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("keys under user:a: = %v, want none", keys)
	}
	if _, ok, err := mem.Get(context.Background(), "user:a%3Areview%3Ax:goals"); err != nil || !ok {
		t.Errorf("escaped goals key missing: %v, %v", ok, err)
	}
}

func TestKeys(t *testing.T) {
	mem := NewMemory()
	s := New(mem, "ns:")
	local := context.Background()
	alice := auth.WithUser(local, model.UserProfile{ID: "alice"})

	if err := s.SaveGoal(local, storagetest.Goal("g1")); err != nil {
		t.Fatalf("save local: %v", err)
	}
	if err := s.SaveGoal(alice, storagetest.Goal("g1")); err != nil {
		t.Fatalf("save alice: %v", err)
	}
	if err := s.SaveReview(alice, storagetest.Review(2024, 3, "x")); err != nil {
		t.Fatalf("save review: %v", err)
	}
	if _, err := s.Settings(alice); err != nil {
		t.Fatalf("settings: %v", err)
	}

	got, _ := mem.Keys(local, "")
	want := []string{
		"ns:goals",
		"ns:user:alice:aiSettings",
		"ns:user:alice:goals",
		"ns:user:alice:review:month-2024-03",
	}
	if !slices.Equal(got, want) {
		t.Errorf("keys = %v, want %v", got, want)
	}

	if err := s.ClearAll(alice); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, _ = mem.Keys(local, "")
	if !slices.Equal(got, []string{"ns:goals"}) {
		t.Errorf("keys after clear = %v, want [ns:goals]", got)
	}
}

type failingKV struct{ *Memory }

var errDown = errors.New("connection refused")

func (failingKV) Get(context.Context, string) ([]byte, bool, error) { return nil, false, errDown }
func (failingKV) Set(context.Context, string, []byte) error         { return errDown }

func TestMediumErrors(t *testing.T) {
	s := New(failingKV{NewMemory()}, "")
	ctx := context.Background()

	if _, err := s.Goals(ctx); !errors.Is(err, storage.ErrMediumUnavailable) {
		t.Errorf("Goals err = %v, want ErrMediumUnavailable", err)
	}
	if _, err := s.Settings(ctx); !errors.Is(err, storage.ErrMediumUnavailable) {
		t.Errorf("Settings err = %v, want ErrMediumUnavailable", err)
	}
	if err := s.SaveSettings(ctx, model.DefaultAISettings()); !errors.Is(err, storage.ErrMediumUnavailable) {
		t.Errorf("SaveSettings err = %v, want ErrMediumUnavailable", err)
	}
}

func TestMemoryCopiesValues(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	v := []byte("abc")
	if err := m.Set(ctx, "k", v); err != nil {
		t.Fatalf("set: %v", err)
	}
	v[0] = 'x'
	got, ok, _ := m.Get(ctx, "k")
	if !ok || string(got) != "abc" {
		t.Errorf("Get = %q, %v; want %q, true", got, ok, "abc")
	}
}

func TestGlobEscape(t *testing.T) {
	if got := globEscape(`user:a*b?[c]:`); got != `user:a\*b\?\[c\]:` {
		t.Errorf("globEscape = %q", got)
	}
}

func TestRedisConformance(t *testing.T) {
	addr := os.Getenv(redisEnv)
	if addr == "" {
		t.Skipf("%s not set", redisEnv)
	}
	ctx := context.Background()
	storagetest.Run(t, ctx, func(t *testing.T) storage.Service {
		r, err := DialRedis(ctx, addr, "", 0)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		s := New(r, "goaltrack-test:")
		if err := s.ClearAll(ctx); err != nil {
			t.Fatalf("reset: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}
