package setdb

import (
	"testing"
)

func TestCategoryIndexMultipleCategories(t *testing.T) {
	env := setupInMemory(t)

	env.db.Write(func(tx *Tx) {
		env.contacts.Replace(tx, ids(1, 2))
		env.blocked.Replace(tx, ids(2, 3))
	})

	env.db.Read(func(tx *Tx) {
		deepEqual(t, env.catIdx.CategoriesOf(tx, entity(1)), []Category{catContacts})
		deepEqual(t, env.catIdx.CategoriesOf(tx, entity(2)), []Category{catContacts, catBlocked})
		deepEqual(t, env.catIdx.CategoriesOf(tx, entity(3)), []Category{catBlocked})
		deepEqual(t, env.catIdx.CategoriesOf(tx, entity(4)), []Category(nil))

		deepEqual(t, env.catIdx.EntitiesInAny(tx, catContacts), entities(1, 2))
		deepEqual(t, env.catIdx.EntitiesInAny(tx, catBlocked), entities(2, 3))
		deepEqual(t, env.catIdx.EntitiesInAny(tx, catContacts, catBlocked), entities(1, 2, 3))
	})
}

func TestCategoryIndexRecordRemovedWhenEmpty(t *testing.T) {
	env := setupInMemory(t)

	env.db.Write(func(tx *Tx) {
		env.contacts.Replace(tx, ids(1))
	})
	env.db.Write(func(tx *Tx) {
		env.contacts.Replace(tx, ids())
	})

	env.db.Read(func(tx *Tx) {
		deepEqual(t, env.catIdx.CategoriesOf(tx, entity(1)), []Category(nil))
		// With the last category gone, the record itself must be deleted,
		// not left behind as an empty bitmap.
		deepEqual(t, tx.partition(env.catIdx.Spec()).KeyCount(), 0)
	})
}

func TestCategoryIndexIdempotent(t *testing.T) {
	env := setupInMemory(t)

	env.db.Write(func(tx *Tx) {
		env.contacts.Replace(tx, ids(1))
	})
	writes := env.db.WriteCount.Load()

	env.db.Write(func(tx *Tx) {
		env.catIdx.SetCategoryState(tx, entity(1), catContacts, true)
	})
	deepEqual(t, env.db.WriteCount.Load()-writes, 0)

	env.db.Write(func(tx *Tx) {
		env.catIdx.SetCategoryState(tx, entity(1), catBlocked, false)
	})
	deepEqual(t, env.db.WriteCount.Load()-writes, 0)
}

func TestCategoryIndexDropCategory(t *testing.T) {
	env := setupInMemory(t)

	env.db.Write(func(tx *Tx) {
		env.contacts.Replace(tx, ids(1, 2))
		env.blocked.Replace(tx, ids(2, 3))
	})

	env.db.Write(func(tx *Tx) {
		deepEqual(t, env.catIdx.DropCategory(tx, catBlocked), 2)
	})

	env.db.Read(func(tx *Tx) {
		deepEqual(t, env.catIdx.EntitiesInAny(tx, catBlocked), []EntityID(nil))
		deepEqual(t, env.catIdx.CategoriesOf(tx, entity(2)), []Category{catContacts})
		deepEqual(t, env.catIdx.CategoriesOf(tx, entity(3)), []Category(nil))
		// Entity 3 had no other categories; its record is gone entirely.
		deepEqual(t, tx.partition(env.catIdx.Spec()).KeyCount(), 2)
	})

	// Nothing left to erase the second time around.
	env.db.Write(func(tx *Tx) {
		deepEqual(t, env.catIdx.DropCategory(tx, catBlocked), 0)
	})

	env.db.Read(func(tx *Tx) {
		mustPanic(t, "writable", func() {
			env.catIdx.DropCategory(tx, catBlocked)
		})
	})
}

func TestCategoryIndexRejectsOutOfRangeCategory(t *testing.T) {
	env := setupInMemory(t)

	env.db.Write(func(tx *Tx) {
		mustPanic(t, "out of range", func() {
			env.catIdx.SetCategoryState(tx, entity(1), MaxCategory+1, true)
		})
	})
}
