package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/ralph/conversation"
)

func backends(t *testing.T) map[string]Checkpointer {
	t.Helper()
	dir := t.TempDir()

	sqliteStore, err := NewSQLiteStore(filepath.Join(dir, "checkpoints.db"))
	require.NoError(t, err)
	boltStore, err := NewBoltStore(filepath.Join(dir, "bolt", "checkpoints.bolt"))
	require.NoError(t, err)

	stores := map[string]Checkpointer{
		"memory": NewMemoryStore(),
		"sqlite": sqliteStore,
		"bolt":   boltStore,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func sampleState(sessionID string) conversation.State {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)
	calls := []conversation.ToolCallRequest{
		{ID: "call_1", Name: "query", Arguments: json.RawMessage(`{"query":"SELECT 1"}`)},
		{ID: "call_2", Name: "send_campaign_email", Arguments: json.RawMessage(`{"campaign_id":7,"to":"ana@example.com"}`)},
	}
	return conversation.State{
		Version:   conversation.StateVersion,
		SessionID: sessionID,
		Transcript: []conversation.Message{
			{Role: conversation.RoleUser, Text: "email our champions", Timestamp: ts},
			{Role: conversation.RoleAssistant, ToolCalls: calls, Timestamp: ts.Add(time.Second)},
		},
		AutoApprove: false,
		Pending: &conversation.Interruption{
			ID:         "int_1",
			SessionID:  sessionID,
			Calls:      calls,
			Protected:  []string{"call_2"},
			ActionHash: conversation.ActionHash(calls),
			CreatedAt:  ts.Add(2 * time.Second),
		},
		UpdatedAt: ts.Add(2 * time.Second),
	}
}

func TestCheckpointerContract(t *testing.T) {
	ctx := context.Background()

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("load unknown session returns fresh state", func(t *testing.T) {
				st, err := store.Load(ctx, "never-saved")
				require.NoError(t, err)
				assert.Equal(t, conversation.NewState("never-saved"), st)
			})

			t.Run("save then load round-trips", func(t *testing.T) {
				want := sampleState("round-trip")
				require.NoError(t, store.Save(ctx, want))

				got, err := store.Load(ctx, "round-trip")
				require.NoError(t, err)
				assert.Equal(t, want, got)
			})

			t.Run("save overwrites", func(t *testing.T) {
				first := sampleState("overwrite")
				require.NoError(t, store.Save(ctx, first))

				second := first.Clone()
				second.Pending = nil
				second.Append(conversation.Message{Role: conversation.RoleTool, Text: "ok", Timestamp: first.UpdatedAt})
				require.NoError(t, store.Save(ctx, second))

				got, err := store.Load(ctx, "overwrite")
				require.NoError(t, err)
				assert.Nil(t, got.Pending)
				assert.Len(t, got.Transcript, 3)
			})

			t.Run("clear discards only that session", func(t *testing.T) {
				require.NoError(t, store.Save(ctx, sampleState("clear-a")))
				require.NoError(t, store.Save(ctx, sampleState("clear-b")))
				require.NoError(t, store.Clear(ctx, "clear-a"))
				require.NoError(t, store.Clear(ctx, "clear-missing"))

				a, err := store.Load(ctx, "clear-a")
				require.NoError(t, err)
				assert.Empty(t, a.Transcript)
				assert.Nil(t, a.Pending)

				b, err := store.Load(ctx, "clear-b")
				require.NoError(t, err)
				assert.Len(t, b.Transcript, 2)
			})

			t.Run("rejects empty session id", func(t *testing.T) {
				assert.Error(t, store.Save(ctx, conversation.State{Version: conversation.StateVersion}))
				_, err := store.Load(ctx, "  ")
				assert.Error(t, err)
			})

			t.Run("concurrent sessions are independent", func(t *testing.T) {
				var wg sync.WaitGroup
				for i := 0; i < 8; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						id := fmt.Sprintf("parallel-%d", i)
						st := conversation.NewState(id)
						for j := 0; j <= i; j++ {
							st.Append(conversation.Message{Role: conversation.RoleUser, Text: fmt.Sprint(j)})
							assert.NoError(t, store.Save(ctx, st))
						}
					}(i)
				}
				wg.Wait()

				for i := 0; i < 8; i++ {
					st, err := store.Load(ctx, fmt.Sprintf("parallel-%d", i))
					require.NoError(t, err)
					assert.Len(t, st.Transcript, i+1)
				}
			})
		})
	}
}

func TestSQLiteStorePendingSessions(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "pending.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Save(ctx, sampleState("waiting")))
	idle := conversation.NewState("idle")
	idle.Append(conversation.NewUserMessage("hi"))
	require.NoError(t, store.Save(ctx, idle))

	ids, err := store.PendingSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"waiting"}, ids)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "reopen.db")

	store, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	want := sampleState("durable")
	require.NoError(t, store.Save(ctx, want))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Load(ctx, "durable")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.bolt")

	store, err := NewBoltStore(path)
	require.NoError(t, err)
	want := sampleState("durable")
	require.NoError(t, store.Save(ctx, want))
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Load(ctx, "durable")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	_, err := decodeState("s1", []byte(`{"v":2,"session_id":"s1","transcript":[]}`))
	assert.Error(t, err)

	_, err = decodeState("s1", []byte(`{"v":1,"session_id":"s2","transcript":[]}`))
	assert.Error(t, err)
}

func TestSQLiteStoreCloseDuringUse(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "close.db"))
	require.NoError(t, err)
	defer store.Close()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				// A handle closed underneath a call may fail it; it must not
				// race or panic.
				_ = store.Save(ctx, sampleState(fmt.Sprintf("close-%d", i)))
				_, _ = store.Load(ctx, fmt.Sprintf("close-%d", i))
			}
		}(i)
	}
	for j := 0; j < 10; j++ {
		require.NoError(t, store.Close())
	}
	wg.Wait()

	want := sampleState("after-close")
	require.NoError(t, store.Save(ctx, want))
	got, err := store.Load(ctx, "after-close")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
