package export

import (
	"path/filepath"
	"testing"
)

func TestWriteThenGetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.nkvexport")

	w, err := NewWriter(path, 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Put([]byte("alpha"), []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := w.Put([]byte("beta"), []byte("2")); err != nil {
		t.Fatal(err)
	}
	if err := w.Put([]byte("gamma"), []byte("3")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	v, ok, err := r.Get([]byte("beta"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || string(v) != "2" {
		t.Fatalf("got (%q,%v), want (2,true)", v, ok)
	}
}

func TestGetMissingKeyReportsAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.nkvexport")

	w, err := NewWriter(path, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Put([]byte("alpha"), []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	_, ok, err := r.Get([]byte("zzz"))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected absent key to report not found")
	}
}

func TestRoundTripAcrossManyBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.nkvexport")

	w, err := NewWriter(path, 500)
	if err != nil {
		t.Fatal(err)
	}
	w.maxBlockSize = 64 // force many small blocks

	want := map[string]string{}
	for i := 0; i < 200; i++ {
		key := keyFor(i)
		val := "v" + key
		want[key] = val
		if err := w.Put([]byte(key), []byte(val)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	for key, val := range want {
		v, ok, err := r.Get([]byte(key))
		if err != nil {
			t.Fatal(err)
		}
		if !ok || string(v) != val {
			t.Fatalf("key %q: got (%q,%v), want (%q,true)", key, v, ok, val)
		}
	}
}

// keyFor produces zero-padded, lexically ascending keys for a given
// index so a sequential Put loop satisfies Writer's ascending-order
// requirement.
func keyFor(i int) string {
	digits := "0123456789"
	buf := [4]byte{}
	for p := 3; p >= 0; p-- {
		buf[p] = digits[i%10]
		i /= 10
	}
	return "k" + string(buf[:])
}
