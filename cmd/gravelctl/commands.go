package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/MikhailWahib/gravelkv"
	"github.com/MikhailWahib/gravelkv/internal/diskmanager"
	"github.com/MikhailWahib/gravelkv/internal/record"
	"github.com/MikhailWahib/gravelkv/internal/sstable"
	"github.com/MikhailWahib/gravelkv/internal/wal"
)

const defaultScanLimit = 100

type shell struct {
	db  *gravelkv.DB
	dir string
	out io.Writer
}

func newShell(db *gravelkv.DB, dir string, out io.Writer) *shell {
	return &shell{db: db, dir: dir, out: out}
}

func (s *shell) println(a ...any) {
	_, _ = fmt.Fprintln(s.out, a...)
}

func (s *shell) printf(format string, a ...any) {
	_, _ = fmt.Fprintf(s.out, format, a...)
}

// handle runs one command line and reports whether the shell should exit.
func (s *shell) handle(line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}

	switch strings.ToLower(parts[0]) {
	case "put":
		if len(parts) < 3 {
			s.println("Usage: put <key> <value>")
			return false
		}
		value := strings.Join(parts[2:], " ")
		if err := s.db.Put([]byte(parts[1]), []byte(value)); err != nil {
			s.println("Error:", err)
			return false
		}
		s.printf("OK @%d\n", s.db.LastTimestamp())

	case "get":
		if len(parts) < 2 || len(parts) > 3 {
			s.println("Usage: get <key> [timestamp]")
			return false
		}
		var (
			val []byte
			err error
		)
		if len(parts) == 3 {
			ts, perr := strconv.ParseUint(parts[2], 10, 64)
			if perr != nil {
				s.println("Invalid timestamp:", parts[2])
				return false
			}
			val, err = s.db.GetAt([]byte(parts[1]), ts)
		} else {
			val, err = s.db.Get([]byte(parts[1]))
		}
		switch {
		case errors.Is(err, gravelkv.ErrNotFound):
			s.println("(not found)")
		case err != nil:
			s.println("Error:", err)
		default:
			s.println(string(val))
		}

	case "del", "delete":
		if len(parts) != 2 {
			s.println("Usage: del <key>")
			return false
		}
		if err := s.db.Delete([]byte(parts[1])); err != nil {
			s.println("Error:", err)
			return false
		}
		s.printf("OK @%d\n", s.db.LastTimestamp())

	case "scan":
		s.scan(parts[1:])

	case "flush":
		if err := s.db.Flush(); err != nil {
			s.println("Flush error:", err)
			return false
		}
		s.println("Flush done")

	case "compact":
		if err := s.db.Compact(); err != nil {
			s.println("Compaction error:", err)
			return false
		}
		s.println("Compaction done")

	case "stats":
		s.stats()

	case "wal":
		if len(parts) != 2 || parts[1] != "dump" {
			s.println("Usage: wal dump")
			return false
		}
		if err := s.dumpWAL(); err != nil {
			s.println("Error:", err)
		}

	case "table":
		if len(parts) != 3 || parts[1] != "dump" {
			s.println("Usage: table dump <file number or name>")
			return false
		}
		if err := s.dumpTable(parts[2]); err != nil {
			s.println("Error:", err)
		}

	case "help":
		s.help()

	case "exit", "quit":
		s.println("Bye!")
		return true

	default:
		s.println("Unknown command:", parts[0])
	}
	return false
}

// scan prints live keys in [start, end). A "-" bound is open.
func (s *shell) scan(args []string) {
	if len(args) > 3 {
		s.println("Usage: scan [start|-] [end|-] [limit]")
		return
	}
	bound := func(i int) []byte {
		if i >= len(args) || args[i] == "-" {
			return nil
		}
		return []byte(args[i])
	}
	limit := defaultScanLimit
	if len(args) == 3 {
		n, err := strconv.Atoi(args[2])
		if err != nil || n <= 0 {
			s.println("Invalid limit:", args[2])
			return
		}
		limit = n
	}

	it := s.db.Scan(bound(0), bound(1))
	defer it.Close()
	n := 0
	for it.Next() {
		if n == limit {
			s.printf("... (limit %d reached)\n", limit)
			break
		}
		s.printf("%s = %s\n", it.Key(), it.Value())
		n++
	}
	if err := it.Err(); err != nil {
		s.println("Scan error:", err)
		return
	}
	s.printf("(%d keys)\n", n)
}

func (s *shell) stats() {
	st := s.db.Stats()
	s.printf("memtable:        %d entries, %d bytes\n", st.MemtableEntries, st.MemtableBytes)
	s.printf("frozen:          %d\n", st.FrozenMemtables)
	s.printf("tables:          %d (%d bytes)\n", st.Tables, st.TableBytes)
	for tier, n := range st.TablesPerTier {
		s.printf("  tier %d:        %d\n", tier, n)
	}
	s.printf("wal segment:     %d\n", st.WALSegment)
	s.printf("last timestamp:  %d\n", st.LastTimestamp)
	s.printf("flushes:         %d\n", st.Flushes)
	s.printf("compactions:     %d\n", st.Compactions)
}

// dumpWAL prints every valid record still in the log directory.
func (s *shell) dumpWAL() error {
	dm := diskmanager.NewDiskManager()
	n := 0
	last, err := wal.NewReader(dm, s.dir, nil).Replay(0, func(e record.Entry, lsn record.LSN) error {
		s.printf("%-12s %-6s %s", lsn, e.Op, e.Key)
		if e.Op == record.OpPut {
			s.printf(" = %q", e.Value)
		}
		s.println()
		n++
		return nil
	})
	s.printf("(%d records, last %s)\n", n, last)
	return err
}

// dumpTable prints every version stored in one sorted table.
func (s *shell) dumpTable(arg string) error {
	name := arg
	if n, err := strconv.ParseUint(arg, 10, 64); err == nil {
		name = sstable.TableFileName(n)
	}
	dm := diskmanager.NewDiskManager()
	t, err := sstable.Open(dm, filepath.Join(s.dir, name), sstable.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = t.Close() }()

	s.printf("%s: %d bytes, %d blocks, filter=%t\n", name, t.Size(), t.BlockCount(), t.HasFilter())
	it := t.NewIterator()
	defer func() { _ = it.Close() }()
	n := 0
	for it.First(); it.Valid(); it.Next() {
		s.printf("%-6s %s", it.Op(), it.Key())
		if it.Op() == record.OpPut {
			s.printf(" = %q", it.Value())
		}
		s.println()
		n++
	}
	s.printf("(%d entries)\n", n)
	return it.Error()
}

func (s *shell) help() {
	s.println("Commands:")
	s.println(ColorCyan + " put <key> <value>" + ColorReset + "         store a value")
	s.println(ColorCyan + " get <key> [ts]" + ColorReset + "            read the newest value, or the value at ts")
	s.println(ColorCyan + " del <key>" + ColorReset + "                 delete a key")
	s.println(ColorCyan + " scan [start] [end] [n]" + ColorReset + "    list live keys in [start, end), '-' for open")
	s.println(ColorCyan + " flush | compact | stats" + ColorReset)
	s.println(ColorCyan + " wal dump" + ColorReset + "                  print the records in the WAL")
	s.println(ColorCyan + " table dump <n>" + ColorReset + "            print the versions in table n")
	s.println(ColorCyan + " exit" + ColorReset)
}
