package segment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tick-ingestor/internal/models"
)

func sampleTicks(start int64, n int) []models.Tick {
	ticks := make([]models.Tick, 0, n)
	for i := 0; i < n; i++ {
		ts := start + int64(i)*1000
		ticks = append(ticks, models.Tick{
			TS:        ts,
			Symbol:    "ES",
			BidPrice:  5000.25,
			BidSize:   3,
			AskPrice:  5000.50,
			AskSize:   2,
			LastPrice: 5000.25,
			LastSize:  1,
		})
	}
	return ticks
}

func TestNameRoundTrip(t *testing.T) {
	name := Name(1741910400000, "8b9e2f30-aaaa-bbbb-cccc-123456789012")
	assert.Equal(t, "part_1741910400000_8b9e2f30-aaaa-bbbb-cccc-123456789012.parquet", name)

	start, instance, err := ParseName(name)
	require.NoError(t, err)
	assert.EqualValues(t, 1741910400000, start)
	assert.Equal(t, "8b9e2f30-aaaa-bbbb-cccc-123456789012", instance)
}

func TestParseNameRejects(t *testing.T) {
	cases := []string{
		"part_123_abc.parquet.tmp",
		"part_123_abc.csv",
		"whatever.parquet",
		"part_abc_def.parquet",
		"part_123.parquet",
	}
	for _, name := range cases {
		_, _, err := ParseName(name)
		assert.Error(t, err, "expected %q to be rejected", name)
	}
}

func TestCommitAndInspect(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ticks := sampleTicks(1000, 5)

	path, err := store.Commit("ES", "2025-03-14", 1000, "instance-a", ticks)
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.NoFileExists(t, path+TmpSuffix, "temp file must be gone after commit")

	rows, last, err := store.Inspect(path)
	require.NoError(t, err)
	assert.Equal(t, 5, rows)
	assert.EqualValues(t, 5000, last)
}

func TestCommitOverwritesExisting(t *testing.T) {
	store := NewLocalStore(t.TempDir())

	_, err := store.Commit("ES", "2025-03-14", 1000, "instance-a", sampleTicks(1000, 2))
	require.NoError(t, err)
	path, err := store.Commit("ES", "2025-03-14", 1000, "instance-a", sampleTicks(1000, 7))
	require.NoError(t, err)

	rows, _, err := store.Inspect(path)
	require.NoError(t, err)
	assert.Equal(t, 7, rows, "re-commit replaces the previous content")
}

func TestInspectRejectsCorruptFile(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	dir := store.Dir("ES", "2025-03-14")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, Name(1000, "instance-a"))
	require.NoError(t, os.WriteFile(path, []byte("not parquet"), 0o644))

	_, _, err := store.Inspect(path)
	assert.Error(t, err)
}

func TestFindStart(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	_, err := store.Commit("ES", "2025-03-14", 1000, "instance-a", sampleTicks(1000, 2))
	require.NoError(t, err)
	_, err = store.Commit("ES", "2025-03-14", 1000, "instance-b", sampleTicks(1000, 2))
	require.NoError(t, err)
	_, err = store.Commit("ES", "2025-03-14", 9000, "instance-a", sampleTicks(9000, 2))
	require.NoError(t, err)

	files, err := store.FindStart("ES", "2025-03-14", 1000)
	require.NoError(t, err)
	assert.Len(t, files, 2, "both instances' files for start=1000")
}

func TestListSkipsTempAndForeignFiles(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	_, err := store.Commit("ES", "2025-03-14", 5000, "instance-a", sampleTicks(5000, 2))
	require.NoError(t, err)
	_, err = store.Commit("ES", "2025-03-14", 1000, "instance-a", sampleTicks(1000, 2))
	require.NoError(t, err)

	dir := store.Dir("ES", "2025-03-14")
	require.NoError(t, os.WriteFile(filepath.Join(dir, Name(9000, "instance-b")+TmpSuffix), []byte("partial"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.txt"), []byte("notes"), 0o644))

	files, err := store.List("ES", "2025-03-14")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.EqualValues(t, 1000, files[0].StartTS, "sorted by start timestamp")
	assert.EqualValues(t, 5000, files[1].StartTS)
}

func TestJobsWalk(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	_, err := store.Commit("ES", "2025-03-14", 1000, "a", sampleTicks(1000, 1))
	require.NoError(t, err)
	_, err = store.Commit("NQ", "2025-03-15", 1000, "b", sampleTicks(1000, 1))
	require.NoError(t, err)

	jobs, err := store.Jobs()
	require.NoError(t, err)
	assert.ElementsMatch(t, [][2]string{{"ES", "2025-03-14"}, {"NQ", "2025-03-15"}}, jobs)
}
