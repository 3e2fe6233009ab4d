package dbclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/piwheels/master/pkg/catalog"
	"github.com/piwheels/master/pkg/dbworker"
)

type fakeGateway struct {
	respond func(req dbworker.Request) dbworker.Response
}

func (f *fakeGateway) Submit(ctx context.Context, req dbworker.Request) {
	go func() { req.Reply <- f.respond(req) }()
}

func TestNewPackageReturnsCreatedFlag(t *testing.T) {
	gw := &fakeGateway{respond: func(req dbworker.Request) dbworker.Response {
		if req.Op != "NEWPKG" {
			t.Fatalf("unexpected op %q", req.Op)
		}
		return dbworker.Response{Result: true}
	}}
	c := New(gw, time.Second)

	created, err := c.NewPackage(context.Background(), catalog.Package{Name: "numpy"})
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("expected created=true")
	}
}

func TestCallPropagatesWorkerError(t *testing.T) {
	gw := &fakeGateway{respond: func(req dbworker.Request) dbworker.Response {
		return dbworker.Response{Err: errors.New("db exploded")}
	}}
	c := New(gw, time.Second)

	_, err := c.GetSkip(context.Background(), "numpy", "1.0")
	if err == nil {
		t.Fatal("expected error to propagate")
	}
}

func TestCallTimesOutWhenGatewayNeverReplies(t *testing.T) {
	gw := &fakeGateway{respond: nil}
	c := New(gw, 20*time.Millisecond)
	// override Submit to never reply
	neverGw := &blockingGateway{}
	c.gateway = neverGw

	_, err := c.GetStats(context.Background())
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

type blockingGateway struct{}

func (b *blockingGateway) Submit(ctx context.Context, req dbworker.Request) {}

func TestLogBuildReturnsID(t *testing.T) {
	gw := &fakeGateway{respond: func(req dbworker.Request) dbworker.Response {
		return dbworker.Response{Result: int64(7)}
	}}
	c := New(gw, time.Second)

	id, err := c.LogBuild(context.Background(), catalog.Build{Package: "numpy", Version: "1.0"})
	if err != nil {
		t.Fatal(err)
	}
	if id != 7 {
		t.Errorf("got %d", id)
	}
}
