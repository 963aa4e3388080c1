package store

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memgate/internal/model"
)

func strPtr(s string) *string { return &s }

func TestApps(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a1, err := s.GetOrCreateApp(ctx, "alice", "cursor")
	require.NoError(t, err)
	assert.True(t, a1.IsActive)

	a2, err := s.GetOrCreateApp(ctx, "alice", "cursor")
	require.NoError(t, err)
	assert.Equal(t, a1.ID, a2.ID, "apps are unique per owner and name")

	other, err := s.GetOrCreateApp(ctx, "bob", "cursor")
	require.NoError(t, err)
	assert.NotEqual(t, a1.ID, other.ID)

	paused, err := s.SetAppActive(ctx, "alice", "cursor", false)
	require.NoError(t, err)
	assert.False(t, paused.IsActive)

	// get-or-create never resumes a paused app
	again, _ := s.GetOrCreateApp(ctx, "alice", "cursor")
	assert.False(t, again.IsActive)

	_, err = s.SetAppActive(ctx, "alice", "missing", true)
	assert.ErrorIs(t, err, ErrNotFound)

	apps, err := s.ListApps(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, apps, 1)

	_, err = s.GetOrCreateApp(ctx, "", "cursor")
	assert.Error(t, err)

	planned, err := s.RegisterApp(ctx, "alice", "zed", "01HAPPZED")
	require.NoError(t, err)
	assert.Equal(t, "01HAPPZED", planned.ID)
	kept, err := s.RegisterApp(ctx, "alice", "zed", "01HOTHER")
	require.NoError(t, err)
	assert.Equal(t, "01HAPPZED", kept.ID, "an existing app keeps its id")
}

func TestRules(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	r1, err := s.AddRule(ctx, model.AccessRule{
		SubjectType: model.SubjectApp, SubjectID: strPtr("app-1"),
		ObjectType: model.ObjectMemory, ObjectID: strPtr("m-1"), Effect: model.EffectDeny,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, r1.ID)

	_, err = s.AddRule(ctx, model.AccessRule{
		SubjectType: model.SubjectApp, ObjectType: model.ObjectMemory, Effect: model.EffectAllow,
	})
	require.NoError(t, err)
	_, err = s.AddRule(ctx, model.AccessRule{
		SubjectType: model.SubjectApp, SubjectID: strPtr("app-2"),
		ObjectType: model.ObjectCategory, ObjectID: strPtr("health"), Effect: model.EffectDeny,
	})
	require.NoError(t, err)

	rules, err := s.RulesForSubject(ctx, model.SubjectApp, "app-1")
	require.NoError(t, err)
	require.Len(t, rules, 2, "exact rule plus wildcard rule")
	assert.Equal(t, r1.ID, rules[0].ID)
	assert.Nil(t, rules[1].SubjectID)

	all, _ := s.ListRules(ctx)
	assert.Len(t, all, 3)

	require.NoError(t, s.DeleteRule(ctx, r1.ID))
	assert.ErrorIs(t, s.DeleteRule(ctx, r1.ID), ErrNotFound)

	_, err = s.AddRule(ctx, model.AccessRule{SubjectType: model.SubjectApp, ObjectType: model.ObjectMemory, Effect: "maybe"})
	assert.Error(t, err)
	_, err = s.AddRule(ctx, model.AccessRule{SubjectType: model.SubjectApp, ObjectType: "file", Effect: model.EffectAllow})
	assert.Error(t, err)
}

func TestConfigOverrides(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	v, err := s.LoadOverrides(ctx)
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, s.SaveOverrides(ctx, []byte(`{"llm":{"provider":"openai"}}`)))
	require.NoError(t, s.SaveOverrides(ctx, []byte(`{"llm":{"provider":"ollama"}}`)))
	v, err = s.LoadOverrides(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"llm":{"provider":"ollama"}}`, string(v))

	assert.Error(t, s.SaveOverrides(ctx, []byte(`{not json`)))

	require.NoError(t, s.ClearOverrides(ctx))
	v, _ = s.LoadOverrides(ctx)
	assert.Nil(t, v)
}

func TestCategories(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	app := newTestApp(t, s, "alice")
	mem, _ := s.Create(ctx, CreateParams{UserID: "alice", AppID: app.ID, Content: "runs every morning"})

	require.NoError(t, s.SetCategories(ctx, mem.ID, []string{"Health", "health", " fitness ", ""}))
	cats, err := s.Categories(ctx, mem.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"fitness", "health"}, cats)

	require.NoError(t, s.SetCategories(ctx, mem.ID, []string{"routine"}))
	got, _ := s.Get(ctx, mem.ID)
	assert.Equal(t, []string{"routine"}, got.Categories)

	list, _ := s.ListByOwner(ctx, ListParams{UserID: "alice"})
	require.Len(t, list, 1)
	assert.Equal(t, []string{"routine"}, list[0].Categories)

	assert.ErrorIs(t, s.SetCategories(ctx, "missing", []string{"x"}), ErrNotFound)
}

func TestLogAccess(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	app := newTestApp(t, s, "alice")
	mem, _ := s.Create(ctx, CreateParams{UserID: "alice", AppID: app.ID, Content: "data"})

	err := s.LogAccess(ctx, []model.AccessLogEntry{
		{MemoryID: mem.ID, AppID: app.ID, AccessType: model.AccessSearch, Metadata: map[string]any{"query": "data", "score": 0.5}},
		{MemoryID: mem.ID, AppID: app.ID, AccessType: model.AccessList},
	})
	require.NoError(t, err)

	logs, err := s.AccessLog(ctx, mem.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, model.AccessSearch, logs[0].AccessType)
	assert.Equal(t, "data", logs[0].Metadata["query"])
	assert.False(t, logs[0].AccessedAt.IsZero())
	assert.Equal(t, model.AccessList, logs[1].AccessType)

	require.NoError(t, s.LogAccess(ctx, nil))
}

func TestLogAccess_SkipsBadEntries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	app := newTestApp(t, s, "alice")
	mem, _ := s.Create(ctx, CreateParams{UserID: "alice", AppID: app.ID, Content: "data"})

	err := s.LogAccess(ctx, []model.AccessLogEntry{
		{MemoryID: mem.ID, AppID: app.ID, AccessType: model.AccessSearch, Metadata: map[string]any{"score": math.NaN()}},
		{MemoryID: "no-such-memory", AppID: app.ID, AccessType: model.AccessList},
		{MemoryID: mem.ID, AppID: app.ID, AccessType: model.AccessList},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encode access metadata")
	assert.Contains(t, err.Error(), "no-such-memory")

	logs, err := s.AccessLog(ctx, mem.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1, "the valid entry is still written")
	assert.Equal(t, model.AccessList, logs[0].AccessType)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	app := newTestApp(t, s, "alice")

	m1, _ := s.Create(ctx, CreateParams{UserID: "alice", AppID: app.ID, Content: "a"})
	s.Create(ctx, CreateParams{UserID: "alice", AppID: app.ID, Content: "b"})
	s.Transition(ctx, TransitionParams{MemoryID: m1.ID, State: model.StateDeleted})

	st, err := s.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalMemories)
	assert.Equal(t, 1, st.ByState["active"])
	assert.Equal(t, 1, st.ByState["deleted"])
	assert.Equal(t, 3, st.Transitions)
	assert.Equal(t, 1, st.Apps)
	require.Len(t, st.Owners, 1)
	assert.Equal(t, OwnerStats{UserID: "alice", Count: 2, Active: 1}, st.Owners[0])
}

func TestExportAll(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	app := newTestApp(t, s, "alice")

	m1, _ := s.Create(ctx, CreateParams{UserID: "alice", AppID: app.ID, Content: "a"})
	s.Transition(ctx, TransitionParams{MemoryID: m1.ID, State: model.StateArchived})

	out, err := s.ExportAll(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, model.StateArchived, out[0].State)
	assert.Len(t, out[0].History, 2)

	out, _ = s.ExportAll(ctx, "nobody")
	assert.Empty(t, out)
}
