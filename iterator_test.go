package bwtree

import "testing"

func TestIteratorRespectsLowerUpperBounds(t *testing.T) {
	tr, err := Open(Options{})
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	defer tr.Close()

	for i := 0; i < 20; i++ {
		if err := tr.Put(keyOf(i), keyOf(i)); err != nil {
			t.Fatalf("Put(%d) = %v", i, err)
		}
	}

	it := tr.NewIterator(keyOf(5), keyOf(10))
	defer it.Close()
	got := 5
	for it.Next() {
		if string(it.Key()) != string(keyOf(got)) {
			t.Fatalf("iter key = %x, want %x", it.Key(), keyOf(got))
		}
		got++
	}
	if got != 10 {
		t.Fatalf("iter stopped at %d, want 10 (exclusive upper bound)", got)
	}
}

func TestIteratorRewindRestartsFromLower(t *testing.T) {
	tr, err := Open(Options{})
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	defer tr.Close()

	for i := 0; i < 5; i++ {
		if err := tr.Put(keyOf(i), keyOf(i)); err != nil {
			t.Fatalf("Put(%d) = %v", i, err)
		}
	}

	it := tr.NewIterator(nil, nil)
	defer it.Close()
	count := 0
	for it.Next() {
		count++
	}
	if count != 5 {
		t.Fatalf("first pass yielded %d keys, want 5", count)
	}

	it.Rewind()
	count = 0
	var lastKey []byte
	for it.Next() {
		lastKey = it.Key()
		count++
	}
	if count != 5 {
		t.Fatalf("rewound iterator yielded %d keys, want 5", count)
	}
	if string(lastKey) != string(keyOf(4)) {
		t.Fatalf("rewound iterator's last key = %x, want %x", lastKey, keyOf(4))
	}
}
