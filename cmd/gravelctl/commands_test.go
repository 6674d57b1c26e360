package main

import (
	"bytes"
	"strconv"
	"testing"

	"github.com/MikhailWahib/gravelkv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestShell(t *testing.T) (*shell, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	db, err := gravelkv.Open(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var out bytes.Buffer
	return newShell(db, dir, &out), &out
}

func run(sh *shell, out *bytes.Buffer, line string) string {
	out.Reset()
	sh.handle(line)
	return out.String()
}

func TestShell_PutGetDel(t *testing.T) {
	sh, out := newTestShell(t)

	assert.Contains(t, run(sh, out, "put greeting hello world"), "OK @")
	assert.Equal(t, "hello world\n", run(sh, out, "get greeting"))
	assert.Contains(t, run(sh, out, "del greeting"), "OK @")
	assert.Equal(t, "(not found)\n", run(sh, out, "get greeting"))
	assert.Contains(t, run(sh, out, "put"), "Usage: put")
	assert.Contains(t, run(sh, out, "get k notanumber"), "Invalid timestamp")
}

func TestShell_GetAtTimestamp(t *testing.T) {
	sh, out := newTestShell(t)

	run(sh, out, "put k v1")
	ts := sh.db.LastTimestamp()
	run(sh, out, "put k v2")

	assert.Equal(t, "v1\n", run(sh, out, "get k "+uintString(ts)))
	assert.Equal(t, "v2\n", run(sh, out, "get k"))
}

func TestShell_Scan(t *testing.T) {
	sh, out := newTestShell(t)
	for _, k := range []string{"a", "b", "c", "d"} {
		run(sh, out, "put "+k+" "+k+k)
	}

	assert.Equal(t, "b = bb\nc = cc\n(2 keys)\n", run(sh, out, "scan b d"))
	assert.Equal(t, "a = aa\nb = bb\n(2 keys)\n", run(sh, out, "scan - c"))
	assert.Equal(t, "a = aa\n... (limit 1 reached)\n(1 keys)\n", run(sh, out, "scan - - 1"))
	assert.Contains(t, run(sh, out, "scan - - 0"), "Invalid limit")
}

func TestShell_FlushAndDumps(t *testing.T) {
	sh, out := newTestShell(t)
	run(sh, out, "put a 1")
	run(sh, out, "del b")

	dump := run(sh, out, "wal dump")
	assert.Contains(t, dump, `put    "a"@`)
	assert.Contains(t, dump, `= "1"`)
	assert.Contains(t, dump, `delete "b"@`)
	assert.Contains(t, dump, "(2 records")

	assert.Equal(t, "Flush done\n", run(sh, out, "flush"))
	assert.Contains(t, run(sh, out, "stats"), "tables:          1")

	table := run(sh, out, "table dump 1")
	assert.Contains(t, table, "000001.sst")
	assert.Contains(t, table, "(2 entries)")
	assert.Contains(t, run(sh, out, "table dump 42"), "Error:")
}

func TestShell_Misc(t *testing.T) {
	sh, out := newTestShell(t)

	assert.Contains(t, run(sh, out, "help"), "Commands:")
	assert.Equal(t, "Unknown command: frob\n", run(sh, out, "frob"))
	assert.Equal(t, "Compaction done\n", run(sh, out, "compact"))
	assert.True(t, sh.handle("exit"))
	assert.False(t, sh.handle("stats"))
}

func TestCompleter(t *testing.T) {
	var c completer
	got, n := c.Do([]rune("fl"), 2)
	assert.Equal(t, [][]rune{[]rune("ush")}, got)
	assert.Equal(t, 2, n)

	got, _ = c.Do([]rune("put k"), 5)
	assert.Empty(t, got)
}

func uintString(v uint64) string {
	return strconv.FormatUint(v, 10)
}
