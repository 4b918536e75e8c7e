package setdb

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"testing"
)

var errAbort = errors.New("abort")

const (
	catContacts Category = 0
	catBlocked  Category = 1
)

type testEnv struct {
	db       *DB
	contacts *EntitySet
	blocked  *EntitySet
	catIdx   *CategoryIndex
}

func newEnvSchema() (*Schema, *CategoryIndex, *EntitySet, *EntitySet) {
	scm := NewSchema()
	catIdx := AddCategoryIndex(scm, "categories")
	contacts := AddEntitySet(scm, "contacts", catContacts, catIdx)
	blocked := AddEntitySet(scm, "blocked", catBlocked, catIdx)
	return scm, catIdx, contacts, blocked
}

func setup(t testing.TB) *testEnv {
	t.Helper()
	return openEnv(t, tempPath(t))
}

func setupInMemory(t testing.TB) *testEnv {
	t.Helper()
	return openEnv(t, InMemory)
}

func tempPath(t testing.TB) string {
	t.Helper()
	dbFile := must(os.CreateTemp("", "setdb_test_*.db"))
	t.Logf("DB: %s", dbFile.Name())
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })
	return dbFile.Name()
}

func openEnv(t testing.TB, path string) *testEnv {
	t.Helper()
	scm, catIdx, contacts, blocked := newEnvSchema()
	db := must(Open(path, scm, Options{IsTesting: true}))
	t.Cleanup(db.Close)
	return &testEnv{db: db, contacts: contacts, blocked: blocked, catIdx: catIdx}
}

func entity(local int32) EntityID {
	return MakeEntityID(1, local)
}

func ids(locals ...int32) map[EntityID]struct{} {
	out := make(map[EntityID]struct{}, len(locals))
	for _, l := range locals {
		out[entity(l)] = struct{}{}
	}
	return out
}

func entities(locals ...int32) []EntityID {
	out := make([]EntityID, 0, len(locals))
	for _, l := range locals {
		out = append(out, entity(l))
	}
	return out
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func mustPanic(t testing.TB, substr string, f func()) {
	t.Helper()
	defer func() {
		t.Helper()
		p := recover()
		if p == nil {
			t.Errorf("** no panic, wanted panic containing %q", substr)
			return
		}
		var msg string
		if err, ok := p.(error); ok {
			msg = err.Error()
		} else {
			msg = fmt.Sprint(p)
		}
		if !strings.Contains(msg, substr) {
			t.Errorf("** panic %q, wanted one containing %q", msg, substr)
		}
	}()
	f()
}

func TestMustPanicFormatsValue(t *testing.T) {
	mustPanic(t, "42", func() { panic(42) })
	mustPanic(t, "boom", func() { panic("kaboom") })
}

func TestDB(t *testing.T) {
	env := setup(t)

	env.db.Write(func(tx *Tx) {
		env.contacts.Replace(tx, ids(1, 2, 3))
	})
	env.db.Read(func(tx *Tx) {
		deepEqual(t, env.contacts.All(tx), entities(1, 2, 3))
		deepEqual(t, env.contacts.Contains(tx, entity(2)), true)
		deepEqual(t, env.contacts.Contains(tx, entity(4)), false)
		deepEqual(t, env.contacts.Count(tx), 3)
	})
	env.db.Read(func(tx *Tx) {
		deepEqual(t, env.catIdx.CategoriesOf(tx, entity(1)), []Category{catContacts})
		deepEqual(t, env.catIdx.EntitiesInAny(tx, catContacts), entities(1, 2, 3))
	})
}

func TestDBScenario(t *testing.T) {
	env := setup(t)

	env.db.Write(func(tx *Tx) {
		env.contacts.Replace(tx, ids(1, 2, 3))
	})
	env.db.Read(func(tx *Tx) {
		deepEqual(t, env.catIdx.EntitiesInAny(tx, catContacts), entities(1, 2, 3))
	})

	env.db.Write(func(tx *Tx) {
		env.contacts.Replace(tx, ids(2, 3, 4))
	})
	env.db.Read(func(tx *Tx) {
		deepEqual(t, env.contacts.All(tx), entities(2, 3, 4))
		deepEqual(t, env.catIdx.CategoriesOf(tx, entity(1)), []Category(nil))
		deepEqual(t, env.catIdx.EntitiesInAny(tx, catContacts), entities(2, 3, 4))
	})
}

func TestDBReopen(t *testing.T) {
	path := tempPath(t)

	env := openEnv(t, path)
	env.db.Write(func(tx *Tx) {
		env.contacts.Replace(tx, ids(10, 20, 30))
		env.blocked.Replace(tx, ids(20))
	})
	env.db.Close()

	// A fresh set of table instances over the same file must materialize
	// the committed state.
	env2 := openEnv(t, path)
	env2.db.Read(func(tx *Tx) {
		deepEqual(t, env2.contacts.All(tx), entities(10, 20, 30))
		deepEqual(t, env2.blocked.All(tx), entities(20))
		deepEqual(t, env2.catIdx.CategoriesOf(tx, entity(20)), []Category{catContacts, catBlocked})
	})
}

func TestDBReopenRejectsRenumberedCategory(t *testing.T) {
	path := tempPath(t)

	env := openEnv(t, path)
	env.db.Write(func(tx *Tx) {
		env.contacts.Replace(tx, ids(1))
	})
	env.db.Close()

	scm := NewSchema()
	catIdx := AddCategoryIndex(scm, "categories")
	AddEntitySet(scm, "contacts", catBlocked, catIdx) // wrong ordinal
	_, err := Open(path, scm, Options{IsTesting: true})
	if err == nil || !strings.Contains(err.Error(), "renumbered") {
		t.Fatalf("Open err = %v, wanted category renumbering error", err)
	}
}

func TestDBAbortDiscardsEverything(t *testing.T) {
	env := setup(t)

	env.db.Write(func(tx *Tx) {
		env.contacts.Replace(tx, ids(1, 2))
	})

	err := env.db.Tx(true, func(tx *Tx) error {
		env.contacts.Replace(tx, ids(7, 8, 9))
		return errAbort
	})
	if err != errAbort {
		t.Fatalf("Tx err = %v, wanted %v", err, errAbort)
	}

	env.db.Read(func(tx *Tx) {
		deepEqual(t, env.contacts.All(tx), entities(1, 2))
		deepEqual(t, env.catIdx.EntitiesInAny(tx, catContacts), entities(1, 2))
	})
}

func TestDBTxRecoversPanics(t *testing.T) {
	env := setupInMemory(t)

	err := env.db.Tx(true, func(tx *Tx) error {
		env.contacts.Replace(tx, ids(1))
		panic("boom")
	})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("Tx err = %v, wanted recovered panic", err)
	}
	env.db.Read(func(tx *Tx) {
		deepEqual(t, env.contacts.Count(tx), 0)
	})
}

func TestDBInMemory(t *testing.T) {
	env := setupInMemory(t)

	if env.db.Bolt() != nil {
		t.Fatalf("Bolt() != nil for in-memory DB")
	}
	_ = env.db.Size()

	env.db.Write(func(tx *Tx) {
		env.contacts.Replace(tx, ids(3, 1, 2))
	})
	env.db.Read(func(tx *Tx) {
		deepEqual(t, env.contacts.All(tx), entities(1, 2, 3))
	})
}

func TestDBDescribeOpenTxns(t *testing.T) {
	env := setup(t)

	rtx := env.db.BeginRead()
	desc := env.db.DescribeOpenTxns()
	if !strings.Contains(desc, "OPEN TRANSACTIONS") {
		t.Fatalf("DescribeOpenTxns() missing expected text, got: %q", desc)
	}
	rtx.Close()
	if got := env.db.DescribeOpenTxns(); !strings.Contains(got, "NO OPEN TRANSACTIONS") {
		t.Fatalf("DescribeOpenTxns() = %q, wanted NO OPEN TRANSACTIONS", got)
	}
}

func TestDBStatsAndDump(t *testing.T) {
	env := setup(t)

	env.db.Write(func(tx *Tx) {
		env.contacts.Replace(tx, ids(1, 2))
	})

	env.db.Read(func(tx *Tx) {
		s := tx.TableStats(env.contacts)
		deepEqual(t, s.Rows, 2)

		dump := tx.Dump(DumpAll)
		if !strings.Contains(dump, "contacts") || !strings.Contains(dump, "1/1") {
			t.Fatalf("unexpected dump:\n%s", dump)
		}
	})
}

func TestDBClearMemoryCaches(t *testing.T) {
	env := setupInMemory(t)

	env.db.Write(func(tx *Tx) {
		env.contacts.Replace(tx, ids(1))
	})
	env.db.Read(func(tx *Tx) {
		_ = env.contacts.All(tx)
	})
	scans := env.db.ScanCount.Load()
	env.db.ClearMemoryCaches()
	env.db.Read(func(tx *Tx) {
		deepEqual(t, env.contacts.All(tx), entities(1))
	})
	deepEqual(t, env.db.ScanCount.Load(), scans+1)
}
