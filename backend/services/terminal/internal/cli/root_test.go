package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"fuelpos/backend/services/terminal/internal/journal"
	"fuelpos/backend/services/terminal/internal/models"
	"fuelpos/backend/services/terminal/internal/queue"
	"fuelpos/backend/services/terminal/internal/supervisor"
)

func TestMain(m *testing.M) {
	newLogger = func() (*zap.Logger, error) { return zap.NewNop(), nil }
	os.Exit(m.Run())
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// terminalEnv points the config at a fresh data dir with two queued sales.
func terminalEnv(t *testing.T) (dir string, keys []string) {
	t.Helper()
	dir = t.TempDir()
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("TERMINAL_DATA_DIR", dir)

	store, err := queue.Open(filepath.Join(dir, "queue.json"), 0, zap.NewNop())
	require.NoError(t, err)
	for _, liters := range []float64{2, 3.5} {
		tx, err := store.Enqueue(models.NewSaleDraft("Premium", liters, 1500, 2))
		require.NoError(t, err)
		keys = append(keys, tx.IdempotencyKey)
	}
	return dir, keys
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	assert.Equal(t, "terminal", cmd.Use)

	for _, path := range [][]string{{"run"}, {"scan"}, {"hash-pin"}, {"queue", "list"}, {"queue", "sync"}, {"queue", "discard"}, {"journal", "frames"}, {"journal", "outcomes"}} {
		t.Run(strings.Join(path, " "), func(t *testing.T) {
			sub, _, err := cmd.Find(path)
			require.NoError(t, err)
			assert.Equal(t, path[len(path)-1], sub.Name())
		})
	}
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "hash-pin", "1234")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestHashPIN(t *testing.T) {
	out, err := execute(t, "hash-pin", "--cost", "4", "2468")
	require.NoError(t, err)

	hash := strings.TrimSpace(out)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("2468")))

	_, err = execute(t, "hash-pin", "12ab")
	require.ErrorIs(t, err, supervisor.ErrWeakPIN)
}

func TestQueueList(t *testing.T) {
	_, keys := terminalEnv(t)

	out, err := execute(t, "--format", "json", "queue", "list")
	require.NoError(t, err)

	var listed struct {
		Items []models.OfflineTransaction `json:"items"`
		Count int                         `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Equal(t, 2, listed.Count)
	assert.Equal(t, keys[0], listed.Items[0].IdempotencyKey)
	assert.Equal(t, 5250.0, listed.Items[1].Draft.Amount())

	out, err = execute(t, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, keys[1])
}

func TestQueueDiscard(t *testing.T) {
	dir, keys := terminalEnv(t)
	hash, err := supervisor.NewBcryptHasher(bcrypt.MinCost).Hash("2468")
	require.NoError(t, err)
	t.Setenv("TERMINAL_SUPERVISOR_PIN_HASH", hash)

	_, err = execute(t, "queue", "discard", keys[0], "--pin", "1111")
	require.ErrorIs(t, err, supervisor.ErrInvalidPIN)

	_, err = execute(t, "queue", "discard", "missing", "--pin", "2468")
	require.ErrorIs(t, err, ErrUnknownSale)

	out, err := execute(t, "queue", "discard", keys[0], "--pin", "2468")
	require.NoError(t, err)
	assert.Contains(t, out, "1 sale(s) still queued")

	store, err := queue.Open(filepath.Join(dir, "queue.json"), 0, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 1, store.Count())
	_, ok := store.Get(keys[1])
	assert.True(t, ok)

	jr, err := journal.Open(filepath.Join(dir, "journal.db"))
	require.NoError(t, err)
	defer jr.Close()
	outcomes, err := jr.Outcomes(context.Background(), keys[0])
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "discarded", outcomes[0].Status)
}

func TestQueueDiscardWithoutConfiguredPIN(t *testing.T) {
	_, keys := terminalEnv(t)
	t.Setenv("TERMINAL_SUPERVISOR_PIN_HASH", "")

	_, err := execute(t, "queue", "discard", keys[0], "--pin", "2468")
	require.ErrorIs(t, err, supervisor.ErrPINNotConfigured)
}

func TestQueueSyncRequiresSalesService(t *testing.T) {
	terminalEnv(t)
	t.Setenv("TERMINAL_SALES_BASE_URL", "")

	_, err := execute(t, "queue", "sync")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "baseUrl")
}

func TestJournalCommands(t *testing.T) {
	dir, keys := terminalEnv(t)

	jr, err := journal.Open(filepath.Join(dir, "journal.db"))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, jr.RecordFrame(ctx, "in", "bufvolume", "bufvolume:10.5"))
	require.NoError(t, jr.RecordFrame(ctx, "out", "TRANSACTION_QUEUED", "TRANSACTION_QUEUED"))
	require.NoError(t, jr.RecordOutcome(ctx, keys[0], "queued", "", ""))
	require.NoError(t, jr.Close())

	out, err := execute(t, "--format", "json", "journal", "frames", "-n", "1")
	require.NoError(t, err)
	var frames []journal.Frame
	require.NoError(t, json.Unmarshal([]byte(out), &frames))
	require.Len(t, frames, 1)
	assert.Equal(t, "TRANSACTION_QUEUED", frames[0].Tag)

	out, err = execute(t, "journal", "outcomes", keys[0])
	require.NoError(t, err)
	assert.Contains(t, out, "queued")

	out, err = execute(t, "journal", "outcomes", "unknown")
	require.NoError(t, err)
	assert.Contains(t, out, "no outcomes recorded")
}
