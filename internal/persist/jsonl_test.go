package persist

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tzhukov/immaterium/internal/logging"
	"github.com/tzhukov/immaterium/internal/shared/id"
)

func testRow(event RowEvent) Row {
	code := 0
	return Row{
		Event:      event,
		ContextID:  id.NewContextID(),
		BlockID:    id.NewBlockID(),
		Command:    "echo hi",
		Output:     []byte("hi\n"),
		ExitCode:   &code,
		State:      "completed",
		WorkingDir: "/tmp",
		RecordedAt: time.Now(),
	}
}

func TestJSONLRecordsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history", "blocks.jsonl")
	j, err := OpenJSONL(path, logging.NewNop())
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Record(testRow(EventAppend)))
	require.NoError(t, j.Record(testRow(EventFinalize)))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var rows []Row
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var row Row
		require.NoError(t, sonic.Unmarshal(scanner.Bytes(), &row))
		rows = append(rows, row)
	}
	require.Len(t, rows, 2)
	assert.Equal(t, EventAppend, rows[0].Event)
	assert.Equal(t, EventFinalize, rows[1].Event)
	assert.Equal(t, "echo hi", rows[0].Command)
}

func TestJSONLRotate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blocks.jsonl")
	j, err := OpenJSONL(path, logging.NewNop())
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Record(testRow(EventAppend)))
	require.NoError(t, j.Rotate())

	// Live file is empty again; one gz archive exists beside it.
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	archives, err := filepath.Glob(path + ".*.gz")
	require.NoError(t, err)
	assert.Len(t, archives, 1)

	// Recording continues after rotation.
	require.NoError(t, j.Record(testRow(EventDelete)))
	info, err = os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Size())
}

func TestJSONLClosedRejectsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.jsonl")
	j, err := OpenJSONL(path, logging.NewNop())
	require.NoError(t, err)

	require.NoError(t, j.Close())
	assert.ErrorIs(t, j.Record(testRow(EventAppend)), os.ErrClosed)
	assert.NoError(t, j.Close())
}

func TestNoopRecorder(t *testing.T) {
	var r Recorder = Noop{}
	assert.NoError(t, r.Record(testRow(EventAppend)))
	assert.NoError(t, r.Close())
}
