package shelfdb

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"
)

func mustOpen(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shelf.db")
	db, err := Open(path, 0600, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, path
}

func TestOpenCreatesNewFile(t *testing.T) {
	db, _ := mustOpen(t)
	if db.Path() == "" {
		t.Fatal("expected non-empty path")
	}
	if db.IsReadOnly() {
		t.Fatal("expected writable database by default")
	}
}

func TestUpdateViewRoundTrip(t *testing.T) {
	db, _ := mustOpen(t)

	err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		return b.Put([]byte("foo"), []byte("bar"))
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	err = db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		if v := b.Get([]byte("foo")); !bytes.Equal(v, []byte("bar")) {
			return fmt.Errorf("got %q, want %q", v, "bar")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestUpdateRollsBackOnError(t *testing.T) {
	db, _ := mustOpen(t)

	boom := fmt.Errorf("boom")
	err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		if err := b.Put([]byte("foo"), []byte("bar")); err != nil {
			return err
		}
		return boom
	})
	if err != boom {
		t.Fatalf("expected boom, got %v", err)
	}

	err = db.View(func(tx *Tx) error {
		if tx.Bucket([]byte("widgets")) != nil {
			return fmt.Errorf("expected bucket to not exist after rollback")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestManyKeysAndDeletes(t *testing.T) {
	db, _ := mustOpen(t)

	const n = 500
	err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			k := []byte(fmt.Sprintf("key-%04d", i))
			if err := b.Put(k, k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("populate: %v", err)
	}

	err = db.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		for i := 0; i < n; i += 2 {
			k := []byte(fmt.Sprintf("key-%04d", i))
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("delete half: %v", err)
	}

	err = db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		count := 0
		if err := b.ForEach(func(k, v []byte) error {
			count++
			return nil
		}); err != nil {
			return err
		}
		if count != n/2 {
			return fmt.Errorf("expected %d keys remaining, got %d", n/2, count)
		}
		for i := 1; i < n; i += 2 {
			k := []byte(fmt.Sprintf("key-%04d", i))
			if v := b.Get(k); !bytes.Equal(v, k) {
				return fmt.Errorf("missing odd key %s", k)
			}
		}
		for i := 0; i < n; i += 2 {
			k := []byte(fmt.Sprintf("key-%04d", i))
			if v := b.Get(k); v != nil {
				return fmt.Errorf("even key %s should have been deleted", k)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestReopenFidelity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shelf.db")

	db, err := Open(path, 0600, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	err = db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		if _, err := b.NextSequence(); err != nil {
			return err
		}
		return b.Put([]byte("foo"), []byte("bar"))
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	firstTxid := db.meta().txid
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(path, 0600, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	err = db2.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		if b == nil {
			return fmt.Errorf("bucket missing after reopen")
		}
		if v := b.Get([]byte("foo")); !bytes.Equal(v, []byte("bar")) {
			return fmt.Errorf("got %q after reopen", v)
		}
		if b.Sequence() != 1 {
			return fmt.Errorf("expected sequence 1 after reopen, got %d", b.Sequence())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify after reopen: %v", err)
	}

	err = db2.Update(func(tx *Tx) error {
		if tx.ID() != uint64(firstTxid)+1 {
			return fmt.Errorf("expected fresh txid %d, got %d", firstTxid+1, tx.ID())
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestNestedBuckets(t *testing.T) {
	db, _ := mustOpen(t)

	err := db.Update(func(tx *Tx) error {
		parent, err := tx.CreateBucket([]byte("parent"))
		if err != nil {
			return err
		}
		child, err := parent.CreateBucket([]byte("child"))
		if err != nil {
			return err
		}
		return child.Put([]byte("k"), []byte("v"))
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	err = db.View(func(tx *Tx) error {
		parent := tx.Bucket([]byte("parent"))
		if parent == nil {
			return fmt.Errorf("parent missing")
		}
		child := parent.Bucket([]byte("child"))
		if child == nil {
			return fmt.Errorf("child missing")
		}
		if v := child.Get([]byte("k")); !bytes.Equal(v, []byte("v")) {
			return fmt.Errorf("got %q", v)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestDeleteBucketRemovesNestedData(t *testing.T) {
	db, _ := mustOpen(t)

	err := db.Update(func(tx *Tx) error {
		parent, err := tx.CreateBucket([]byte("parent"))
		if err != nil {
			return err
		}
		child, err := parent.CreateBucket([]byte("child"))
		if err != nil {
			return err
		}
		if err := child.Put([]byte("k"), []byte("v")); err != nil {
			return err
		}
		return parent.DeleteBucket([]byte("child"))
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	err = db.View(func(tx *Tx) error {
		parent := tx.Bucket([]byte("parent"))
		if parent.Bucket([]byte("child")) != nil {
			return fmt.Errorf("expected child bucket to be gone")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestConcurrentReadersDuringWrite(t *testing.T) {
	db, _ := mustOpen(t)

	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		return b.Put([]byte("foo"), []byte("v1"))
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	readTx, err := db.Begin(false)
	if err != nil {
		t.Fatalf("Begin(false): %v", err)
	}
	defer readTx.Rollback()

	if err := db.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		return b.Put([]byte("foo"), []byte("v2"))
	}); err != nil {
		t.Fatalf("second write: %v", err)
	}

	b := readTx.Bucket([]byte("widgets"))
	if v := b.Get([]byte("foo")); !bytes.Equal(v, []byte("v1")) {
		t.Fatalf("snapshot isolation broken: got %q, want v1", v)
	}
}
