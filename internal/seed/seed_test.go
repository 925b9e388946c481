package seed

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/daycare/internal/billing/store/gormstore"
	"github.com/smallbiznis/daycare/internal/billing/store/memory"
	"github.com/smallbiznis/daycare/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var now = time.Date(2024, 3, 4, 2, 0, 0, 0, time.UTC)

func TestEnsureDemoDataIsIdempotent(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open("file:seed_demo?mode=memory&cache=shared"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	store := gormstore.New(conn, clock.NewFakeClock(now))
	require.NoError(t, store.AutoMigrate(context.Background()))

	inserted, err := EnsureDemoData(context.Background(), conn, now)
	require.NoError(t, err)
	assert.Equal(t, len(DemoUsers())+len(DemoReservations(now)), inserted)

	inserted, err = EnsureDemoData(context.Background(), conn, now)
	require.NoError(t, err)
	assert.Zero(t, inserted)

	unbilled, err := store.QueryUnbilledReservations(context.Background())
	require.NoError(t, err)
	assert.Len(t, unbilled, 3)
	for _, item := range unbilled {
		assert.NotNil(t, item.User)
	}
}

func TestLoadDemoDataIntoMemoryStore(t *testing.T) {
	store := memory.New(clock.NewFakeClock(now))
	LoadDemoData(store, now)

	snap := store.Snapshot()
	assert.Len(t, snap.Users, 2)
	assert.Len(t, snap.Reservations, 4)
}

func TestEnsureDemoDataRequiresHandle(t *testing.T) {
	_, err := EnsureDemoData(context.Background(), nil, now)
	assert.Error(t, err)
}
