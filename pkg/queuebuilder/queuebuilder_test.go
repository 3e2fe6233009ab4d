package queuebuilder

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	got Queue
}

func (f *fakePublisher) PublishQueue(q Queue) { f.got = q }

func TestRefreshGroupsByABISortedByRelease(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	newer := time.Now()
	older := newer.Add(-time.Hour)

	mock.ExpectQuery("SELECT v.package, v.version, abi.tag, v.released_at").
		WillReturnRows(sqlmock.NewRows([]string{"package", "version", "tag", "released_at"}).
			AddRow("numpy", "2.0", "cp311", newer).
			AddRow("numpy", "1.0", "cp311", older).
			AddRow("scipy", "1.0", "cp312", older))

	pub := &fakePublisher{}
	b := New(db, []string{"cp311", "cp312"}, pub)

	require.NoError(t, b.Refresh(context.Background()))

	cp311 := pub.got["cp311"]
	if len(cp311) != 2 {
		t.Fatalf("expected 2 entries for cp311, got %d", len(cp311))
	}
	if cp311[0].Version != "1.0" || cp311[1].Version != "2.0" {
		t.Errorf("expected oldest-first ordering, got %+v", cp311)
	}
	if len(pub.got["cp312"]) != 1 {
		t.Errorf("expected 1 entry for cp312, got %d", len(pub.got["cp312"]))
	}
}

func TestRefreshPropagatesQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT v.package, v.version, abi.tag, v.released_at").
		WillReturnError(context.DeadlineExceeded)

	b := New(db, []string{"cp311"}, &fakePublisher{})
	if err := b.Refresh(context.Background()); err == nil {
		t.Fatal("expected error to propagate")
	}
}
