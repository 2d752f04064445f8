package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRecorderListsNewestFirst(t *testing.T) {
	ctx := context.Background()
	rec := NewMemoryRecorder()

	require.NoError(t, rec.Record(ctx, Event{Action: ActionEnrollBegin, EntityType: EntityCredential, EntityID: "E1"}, nil))
	require.NoError(t, rec.Record(ctx, Event{Action: ActionEnrollConfirm, EntityType: EntityCredential, EntityID: "E1"}, map[string]any{"ok": true}))
	require.NoError(t, rec.Record(ctx, Event{Action: ActionVerify, EntityType: EntityLedger}, nil))

	all, err := rec.List(ctx, Filter{}, 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ActionVerify, all[0].Action)
	assert.Equal(t, ActionEnrollBegin, all[2].Action)

	creds, err := rec.List(ctx, Filter{EntityType: EntityCredential, EntityID: "E1"}, 1, 0)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, ActionEnrollConfirm, creds[0].Action)
	assert.JSONEq(t, `{"ok":true}`, string(creds[0].Details))

	total, err := rec.Count(ctx, Filter{EntityType: EntityCredential})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	empty, err := rec.List(ctx, Filter{}, 10, 5)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestBuildBaseQuery(t *testing.T) {
	query, args := buildBaseQuery("SELECT COUNT(1)", Filter{Action: ActionDisable, ActorID: "admin-1"})
	assert.Equal(t, "SELECT COUNT(1) FROM audit_events WHERE 1=1 AND action = $1 AND actor_id = $2", query)
	assert.Equal(t, []any{ActionDisable, "admin-1"}, args)
}
