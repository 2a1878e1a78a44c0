package storage

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// backends opens a fresh database per subtest.
var backends = map[string]func(t *testing.T) DB{
	"memory": func(t *testing.T) DB { return NewMemory() },
	"badger": func(t *testing.T) DB {
		db, err := NewBadger(t.TempDir())
		if err != nil {
			t.Fatalf("NewBadger: %v", err)
		}
		return db
	},
	"badger-inmemory": func(t *testing.T) DB {
		db, err := NewBadger("", WithInMemory())
		if err != nil {
			t.Fatalf("NewBadger in memory: %v", err)
		}
		return db
	},
}

// conformance lists behaviour every DB implementation must share.
var conformance = []struct {
	name string
	run  func(t *testing.T, db DB)
}{
	{"GetMissing", func(t *testing.T, db DB) {
		if _, err := db.Get([]byte("w/nobody")); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get missing error = %v, want ErrNotFound", err)
		}
		if ok, err := db.Has([]byte("w/nobody")); ok || err != nil {
			t.Errorf("Has missing = %v, %v", ok, err)
		}
	}},
	{"PutOverwriteDelete", func(t *testing.T, db DB) {
		k := []byte("b/1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2")
		mustPut(t, db, k, []byte(`{"confirmed":1}`))
		mustPut(t, db, k, []byte(`{"confirmed":2}`))
		if got, err := db.Get(k); err != nil || string(got) != `{"confirmed":2}` {
			t.Fatalf("Get = %q, %v", got, err)
		}
		if err := db.Delete(k); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := db.Get(k); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get after Delete error = %v", err)
		}
		if err := db.Delete(k); err != nil {
			t.Errorf("second Delete: %v", err)
		}
	}},
	{"ValuesAreCopies", func(t *testing.T, db DB) {
		v := []byte("abc")
		mustPut(t, db, []byte("k"), v)
		v[0] = 'X'
		got, _ := db.Get([]byte("k"))
		got[1] = 'Y'
		again, _ := db.Get([]byte("k"))
		if string(again) != "abc" {
			t.Errorf("stored value changed to %q", again)
		}
	}},
	{"EmptyAndBinary", func(t *testing.T, db DB) {
		mustPut(t, db, []byte("empty"), []byte{})
		if got, err := db.Get([]byte("empty")); err != nil || len(got) != 0 {
			t.Errorf("empty value = %q, %v", got, err)
		}
		key := []byte{0x00, 't', 0xff}
		val := bytes.Repeat([]byte{0x00, 0x41, 0xff}, 100)
		mustPut(t, db, key, val)
		if got, _ := db.Get(key); !bytes.Equal(got, val) {
			t.Error("binary value corrupted")
		}
	}},
	{"ForEachPrefixOrder", func(t *testing.T, db DB) {
		for _, k := range []string{"t/addr/c", "t/addr/a", "t/addrB/x", "t/addr/b", "w/addr"} {
			mustPut(t, db, []byte(k), []byte(k))
		}
		var got []string
		err := db.ForEach([]byte("t/addr/"), func(k, v []byte) error {
			if !bytes.Equal(k, v) {
				t.Errorf("value of %s = %s", k, v)
			}
			got = append(got, string(k))
			return nil
		})
		if err != nil {
			t.Fatalf("ForEach: %v", err)
		}
		if s := strings.Join(got, ","); s != "t/addr/a,t/addr/b,t/addr/c" {
			t.Errorf("ForEach order = %s", s)
		}
		n := 0
		db.ForEach([]byte("m/"), func(_, _ []byte) error { n++; return nil })
		if n != 0 {
			t.Errorf("empty prefix visited %d keys", n)
		}
	}},
	{"ForEachStops", func(t *testing.T, db DB) {
		for i := 0; i < 5; i++ {
			mustPut(t, db, []byte(fmt.Sprintf("t/%d", i)), nil)
		}
		stop := errors.New("stop")
		n := 0
		err := db.ForEach([]byte("t/"), func(_, _ []byte) error {
			if n++; n == 3 {
				return stop
			}
			return nil
		})
		if !errors.Is(err, stop) || n != 3 {
			t.Errorf("ForEach = %v after %d keys", err, n)
		}
	}},
	{"Batch", func(t *testing.T, db DB) {
		batcher, ok := db.(Batcher)
		if !ok {
			t.Skip("no batch support")
		}
		mustPut(t, db, []byte("t/old"), []byte("x"))

		b := batcher.NewBatch()
		key := []byte("t/new")
		b.Put(key, []byte("1"))
		key[2] = 'X' // the batch must have copied it
		b.Put([]byte("t/empty"), []byte{})
		b.Delete([]byte("t/old"))
		if ok, _ := db.Has([]byte("t/new")); ok {
			t.Fatal("batch visible before Commit")
		}
		if err := b.Commit(); err != nil {
			t.Fatalf("Commit: %v", err)
		}
		for k, want := range map[string]bool{"t/new": true, "t/empty": true, "t/old": false, "t/Xew": false} {
			if got, _ := db.Has([]byte(k)); got != want {
				t.Errorf("Has(%s) = %v, want %v", k, got, want)
			}
		}
	}},
}

func mustPut(t *testing.T, db DB, k, v []byte) {
	t.Helper()
	if err := db.Put(k, v); err != nil {
		t.Fatalf("Put(%s): %v", k, err)
	}
}

func TestDBConformance(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			for _, tc := range conformance {
				t.Run(tc.name, func(t *testing.T) {
					db := open(t)
					defer db.Close()
					tc.run(t, db)
				})
			}
		})
	}
}

func TestBadgerDB_ReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	db, err := NewBadger(dir)
	if err != nil {
		t.Fatalf("NewBadger: %v", err)
	}
	mustPut(t, db, []byte("k/main"), []byte("sealed"))
	if err := db.Compact(); err != nil {
		t.Errorf("Compact: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err = NewBadger(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	if got, err := db.Get([]byte("k/main")); err != nil || string(got) != "sealed" {
		t.Errorf("Get after reopen = %q, %v", got, err)
	}
}

func TestBadgerDB_SecondOpenIsLocked(t *testing.T) {
	dir := t.TempDir()
	db, err := NewBadger(dir)
	if err != nil {
		t.Fatalf("NewBadger: %v", err)
	}
	defer db.Close()

	if _, err := NewBadger(dir); !errors.Is(err, ErrLocked) {
		t.Errorf("second open error = %v, want ErrLocked", err)
	}
}

func TestBadgerLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	g := badgerLogger{zerolog.New(&buf).Level(zerolog.DebugLevel)}
	g.Errorf("disk %s\n", "full")
	g.Infof("flushing memtable")
	g.Debugf("hidden below debug")

	out := buf.String()
	if !strings.Contains(out, `"level":"error"`) || !strings.Contains(out, `"message":"disk full"`) {
		t.Errorf("error entry missing: %s", out)
	}
	if !strings.Contains(out, `"level":"debug","db":"badger","message":"flushing memtable"`) {
		t.Errorf("info should be logged at debug: %s", out)
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("trace entry written: %s", out)
	}
}
