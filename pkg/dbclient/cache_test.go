package dbclient

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/piwheels/master/pkg/dbworker"
)

func newTestCachingClient(t *testing.T, respond func(req dbworker.Request) dbworker.Response) (*CachingClient, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	gw := &fakeGateway{respond: respond}
	client := New(gw, time.Second)

	cc, err := NewCaching(client, "redis://"+mr.Addr()+"/0", time.Minute)
	if err != nil {
		t.Fatalf("NewCaching: %v", err)
	}
	t.Cleanup(func() { cc.Close() })
	return cc, mr
}

func TestAllPackagesCachesAfterFirstCall(t *testing.T) {
	calls := 0
	cc, _ := newTestCachingClient(t, func(req dbworker.Request) dbworker.Response {
		calls++
		return dbworker.Response{Result: map[string]bool{"numpy": true}}
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		pkgs, err := cc.AllPackages(ctx)
		if err != nil {
			t.Fatalf("AllPackages: %v", err)
		}
		if !pkgs["numpy"] {
			t.Fatalf("expected numpy in result, got %v", pkgs)
		}
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 DbGateway round trip, got %d", calls)
	}
}

func TestGetStatsCachesAfterFirstCall(t *testing.T) {
	calls := 0
	cc, _ := newTestCachingClient(t, func(req dbworker.Request) dbworker.Response {
		calls++
		return dbworker.Response{Result: dbworker.StatisticsRecord{Packages: 42}}
	})

	ctx := context.Background()
	if _, err := cc.GetStats(ctx); err != nil {
		t.Fatal(err)
	}
	stats, err := cc.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Packages != 42 {
		t.Fatalf("expected Packages=42, got %d", stats.Packages)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 DbGateway round trip, got %d", calls)
	}
}

func TestInvalidateCatalogForcesRefetch(t *testing.T) {
	calls := 0
	cc, _ := newTestCachingClient(t, func(req dbworker.Request) dbworker.Response {
		calls++
		return dbworker.Response{Result: map[string]bool{"numpy": true}}
	})

	ctx := context.Background()
	if _, err := cc.AllPackages(ctx); err != nil {
		t.Fatal(err)
	}
	cc.InvalidateCatalog(ctx)
	if _, err := cc.AllPackages(ctx); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 DbGateway round trips after invalidation, got %d", calls)
	}
}

func TestCachingClientWritesForwardUnchanged(t *testing.T) {
	calls := 0
	cc, _ := newTestCachingClient(t, func(req dbworker.Request) dbworker.Response {
		if req.Op != "SKIPPKG" {
			t.Fatalf("unexpected op %q", req.Op)
		}
		calls++
		return dbworker.Response{}
	})

	if err := cc.SkipPackage(context.Background(), "numpy", "abandoned"); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected SkipPackage to reach the gateway once, got %d", calls)
	}
}
