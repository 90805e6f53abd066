package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestResolveCachesHits(t *testing.T) {
	calls := 0
	n, err := NewNames(4, func(ctx context.Context, key string) (string, error) {
		calls++
		return "name-" + key, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		v, err := n.Resolve(ctx, "UC1")
		if err != nil || v != "name-UC1" {
			t.Fatalf("resolve: %q %v", v, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected 1 fetch got %d", calls)
	}
}

func TestResolveErrorNotCached(t *testing.T) {
	fail := true
	n, _ := NewNames(4, func(ctx context.Context, key string) (string, error) {
		if fail {
			return "", errors.New("upstream down")
		}
		return "ok", nil
	})
	ctx := context.Background()
	if _, err := n.Resolve(ctx, "UC1"); err == nil {
		t.Fatal("expected error")
	}
	fail = false
	v, err := n.Resolve(ctx, "UC1")
	if err != nil || v != "ok" {
		t.Fatalf("expected recovery got %q %v", v, err)
	}
}

func TestEvictionIsBounded(t *testing.T) {
	n, _ := NewNames(2, func(ctx context.Context, key string) (string, error) {
		return key, nil
	})
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if _, err := n.Resolve(ctx, fmt.Sprintf("UC%d", i)); err != nil {
			t.Fatal(err)
		}
	}
	if n.Len() > 2 {
		t.Fatalf("capacity exceeded: %d", n.Len())
	}
}
