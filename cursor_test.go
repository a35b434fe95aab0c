package shelfdb

import (
	"bytes"
	"testing"
)

func TestCursorSeekExamples(t *testing.T) {
	db, _ := mustOpen(t)

	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		if err != nil {
			return err
		}
		for _, kv := range [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}} {
			if err := b.Put([]byte(kv[0]), []byte(kv[1])); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	err := db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		c := b.Cursor()

		if k, v := c.Seek([]byte("b")); string(k) != "b" || string(v) != "2" {
			t.Fatalf("seek(b) = (%q, %q), want (b, 2)", k, v)
		}
		if k, v := c.Seek([]byte("bb")); string(k) != "c" || string(v) != "3" {
			t.Fatalf("seek(bb) = (%q, %q), want (c, 3)", k, v)
		}
		if k, v := c.Seek([]byte("d")); k != nil || v != nil {
			t.Fatalf("seek(d) = (%q, %q), want not found", k, v)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCursorFirstLastNextPrev(t *testing.T) {
	db, _ := mustOpen(t)

	keys := []string{"a", "b", "c", "d", "e"}
	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.Put([]byte(k), []byte(k)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	err := db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		c := b.Cursor()

		var forward []string
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			forward = append(forward, string(k))
		}
		if len(forward) != len(keys) {
			t.Fatalf("forward walk got %v, want %v", forward, keys)
		}
		for i, k := range keys {
			if forward[i] != k {
				t.Fatalf("forward[%d] = %q, want %q", i, forward[i], k)
			}
		}

		var backward []string
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			backward = append(backward, string(k))
		}
		if len(backward) != len(keys) {
			t.Fatalf("backward walk got %v, want reverse of %v", backward, keys)
		}
		for i := range keys {
			if backward[i] != keys[len(keys)-1-i] {
				t.Fatalf("backward[%d] = %q, want %q", i, backward[i], keys[len(keys)-1-i])
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCursorDeleteRequiresWritableTx(t *testing.T) {
	db, _ := mustOpen(t)
	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		if err != nil {
			return err
		}
		return b.Put([]byte("k"), []byte("v"))
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	err := db.View(func(tx *Tx) error {
		c := tx.Bucket([]byte("b")).Cursor()
		c.Seek([]byte("k"))
		if err := c.Delete(); err != ErrTxNotWritable {
			t.Fatalf("expected ErrTxNotWritable, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCursorDeleteThenGone(t *testing.T) {
	db, _ := mustOpen(t)
	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		if err != nil {
			return err
		}
		return b.Put([]byte("k"), []byte("v"))
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := db.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		c := b.Cursor()
		k, _ := c.Seek([]byte("k"))
		if !bytes.Equal(k, []byte("k")) {
			t.Fatalf("seek did not find key")
		}
		return c.Delete()
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	err := db.View(func(tx *Tx) error {
		if v := tx.Bucket([]byte("b")).Get([]byte("k")); v != nil {
			t.Fatalf("expected key gone, got %q", v)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
