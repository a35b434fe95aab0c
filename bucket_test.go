package shelfdb

import "testing"

func TestNextSequenceIsMonotone(t *testing.T) {
	db, _ := mustOpen(t)

	err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		for want := uint64(1); want <= 3; want++ {
			got, err := b.NextSequence()
			if err != nil {
				return err
			}
			if got != want {
				t.Fatalf("NextSequence() = %d, want %d", got, want)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCreateBucketTwiceFails(t *testing.T) {
	db, _ := mustOpen(t)
	err := db.Update(func(tx *Tx) error {
		if _, err := tx.CreateBucket([]byte("widgets")); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte("widgets"))
		if err != ErrBucketExists {
			t.Fatalf("expected ErrBucketExists, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCreateBucketIfNotExistsIsIdempotent(t *testing.T) {
	db, _ := mustOpen(t)
	err := db.Update(func(tx *Tx) error {
		b1, err := tx.CreateBucketIfNotExists([]byte("widgets"))
		if err != nil {
			return err
		}
		if err := b1.Put([]byte("k"), []byte("v")); err != nil {
			return err
		}
		b2, err := tx.CreateBucketIfNotExists([]byte("widgets"))
		if err != nil {
			return err
		}
		if v := b2.Get([]byte("k")); string(v) != "v" {
			t.Fatalf("expected existing data to survive, got %q", v)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestPutRejectsEmptyKey(t *testing.T) {
	db, _ := mustOpen(t)
	err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		if err := b.Put(nil, []byte("v")); err != ErrKeyRequired {
			t.Fatalf("expected ErrKeyRequired, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestPutRejectsOversizedKey(t *testing.T) {
	db, _ := mustOpen(t)
	big := make([]byte, MaxKeySize+1)
	err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		if err := b.Put(big, []byte("v")); err != ErrKeyTooLarge {
			t.Fatalf("expected ErrKeyTooLarge, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestPutOnKeyThatIsABucketConflicts(t *testing.T) {
	db, _ := mustOpen(t)
	err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		if _, err := b.CreateBucket([]byte("nested")); err != nil {
			return err
		}
		if err := b.Put([]byte("nested"), []byte("v")); err != ErrBucketNameConflict {
			t.Fatalf("expected ErrBucketNameConflict, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestBucketStatsCountsKeys(t *testing.T) {
	db, _ := mustOpen(t)
	err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		for _, k := range []string{"a", "b", "c"} {
			if err := b.Put([]byte(k), []byte(k)); err != nil {
				return err
			}
		}
		if _, err := b.CreateBucket([]byte("nested")); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	err = db.View(func(tx *Tx) error {
		s := tx.Bucket([]byte("widgets")).Stats()
		if s.KeyN != 4 { // 3 values + 1 nested bucket header
			t.Fatalf("KeyN = %d, want 4", s.KeyN)
		}
		if s.BucketN != 1 {
			t.Fatalf("BucketN = %d, want 1", s.BucketN)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
