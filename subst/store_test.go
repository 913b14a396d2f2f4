package subst

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"codesubst/storage"
)

func storeImpls(t *testing.T) map[string]Store {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	return map[string]Store{
		StoreMemory: NewMemStore(),
		StoreKV:     NewKVStore(func() storage.Database { return db }),
		StoreSQL:    newSQLiteStore(t),
		StoreBolt:   newBoltStore(t),
	}
}

func newBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := OpenBoltStore(filepath.Join(t.TempDir(), "subst.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	store, err := OpenSQLStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreCRUD(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			rec, err := store.Find("alice")
			require.NoError(t, err)
			require.Nil(t, rec)

			require.NoError(t, store.Insert(&Record{Account: "bob", SubstituteCode: []byte("b")}))
			require.NoError(t, store.Insert(&Record{Account: "alice", FromBlock: 5, SubstituteCode: []byte("a"), MustActivate: true}))
			require.Error(t, store.Insert(&Record{Account: "alice", SubstituteCode: []byte("dup")}))
			require.ErrorIs(t, store.Insert(&Record{Account: " "}), ErrInvalidArgument)

			rec, err = store.Find("alice")
			require.NoError(t, err)
			require.Equal(t, uint64(5), rec.FromBlock)
			require.True(t, rec.MustActivate)
			require.False(t, rec.Captured())

			require.NoError(t, store.Update("alice", func(r *Record) {
				r.OriginalCode = []byte("orig")
				r.Account = "renamed"
			}))
			rec, err = store.Find("alice")
			require.NoError(t, err)
			require.Equal(t, "alice", rec.Account)
			require.Equal(t, []byte("orig"), rec.OriginalCode)

			err = store.Update("ghost", func(*Record) {})
			require.True(t, errors.Is(err, ErrNotFound))

			accounts, err := store.List()
			require.NoError(t, err)
			require.Equal(t, []string{"alice", "bob"}, accounts)

			require.NoError(t, store.Delete("alice"))
			require.NoError(t, store.Delete("alice"))
			accounts, err = store.List()
			require.NoError(t, err)
			require.Equal(t, []string{"bob"}, accounts)
		})
	}
}

func TestMemStoreReturnsCopies(t *testing.T) {
	store := NewMemStore()
	require.NoError(t, store.Insert(&Record{Account: "alice", SubstituteCode: []byte("abc")}))
	rec, err := store.Find("alice")
	require.NoError(t, err)
	rec.SubstituteCode[0] = 'x'
	rec, err = store.Find("alice")
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), rec.SubstituteCode)
}

func TestKVStoreFollowsSession(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	sess := storage.NewSession(db)
	store := NewKVStore(func() storage.Database { return sess })

	require.NoError(t, store.Insert(&Record{Account: "alice", SubstituteCode: []byte("a")}))
	sess.Rollback()

	sess = storage.NewSession(db)
	rec, err := store.Find("alice")
	require.NoError(t, err)
	require.Nil(t, rec)

	require.NoError(t, store.Insert(&Record{Account: "alice", SubstituteCode: []byte("a")}))
	require.NoError(t, sess.Commit())
	rec, err = NewKVStore(func() storage.Database { return db }).Find("alice")
	require.NoError(t, err)
	require.NotNil(t, rec)
}

func TestRecordHashes(t *testing.T) {
	rec := &Record{Account: "alice", FromBlock: 10, SubstituteCode: []byte("s")}
	require.Equal(t, "0x0000000000000000000000000000000000000000000000000000000000000000", rec.OriginalHash().Hex())
	require.NotEqual(t, rec.OriginalHash(), rec.SubstituteHash())
	require.False(t, rec.Due(20))
	rec.MustActivate = true
	require.False(t, rec.Due(9))
	require.True(t, rec.Due(10))

	clone := rec.Clone()
	clone.SubstituteCode[0] = 'x'
	require.Equal(t, []byte("s"), rec.SubstituteCode)
	require.Nil(t, (*Record)(nil).Clone())
}

func TestSQLStoreRequiresLocalDSN(t *testing.T) {
	for _, dsn := range []string{
		"  ",
		"postgres://subst@db:5432/subst",
		"postgresql://subst@db/subst?sslmode=disable",
		"host=db user=subst dbname=subst",
	} {
		_, err := OpenSQLStore(dsn)
		require.ErrorIs(t, err, ErrInvalidArgument, dsn)
	}
	require.NoError(t, ValidateSQLDSN(filepath.Join(t.TempDir(), "subst.sqlite")))
	require.NoError(t, ValidateSQLDSN("file:subst?mode=memory&cache=shared"))
}

func TestSQLStoreClearsCapture(t *testing.T) {
	store := newSQLiteStore(t)
	require.NoError(t, store.Insert(&Record{Account: "alice", SubstituteCode: []byte("s"), OriginalCode: []byte("o")}))
	require.NoError(t, store.Update("alice", func(r *Record) {
		r.OriginalCode = nil
		r.MustActivate = false
	}))
	rec, err := store.Find("alice")
	require.NoError(t, err)
	require.False(t, rec.Captured())
	require.False(t, rec.MustActivate)
	require.Equal(t, []byte("s"), rec.SubstituteCode)
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subst.db")
	store, err := OpenBoltStore(path, nil)
	require.NoError(t, err)
	require.NoError(t, store.Insert(&Record{Account: "alice", FromBlock: 9, SubstituteCode: []byte("s"), MustActivate: true}))
	require.NoError(t, store.Close())

	store, err = OpenBoltStore(path, nil)
	require.NoError(t, err)
	defer store.Close()
	rec, err := store.Find("alice")
	require.NoError(t, err)
	require.Equal(t, uint64(9), rec.FromBlock)
	require.True(t, rec.MustActivate)
}
