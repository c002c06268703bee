package dbformat

import (
	"bytes"
	"errors"
	"sort"
	"testing"
)

func TestInternalKeyRoundTrip(t *testing.T) {
	tests := []struct {
		user string
		ts   Timestamp
		kind Kind
	}{
		{"", 0, KindDelete},
		{"a", 1, KindValue},
		{"hello", 12345, KindDelete},
		{"max", MaxTimestamp, KindValue},
	}
	for _, tt := range tests {
		ikey := MakeInternalKey([]byte(tt.user), tt.ts, tt.kind)
		p, err := ParseInternalKey(ikey)
		if err != nil {
			t.Fatalf("ParseInternalKey(%q): %v", tt.user, err)
		}
		if string(p.UserKey) != tt.user || p.Timestamp != tt.ts || p.Kind != tt.kind {
			t.Errorf("parsed %v, want %q@%d#%s", p, tt.user, tt.ts, tt.kind)
		}
		if KeyTimestamp(ikey) != tt.ts || KeyKind(ikey) != tt.kind {
			t.Errorf("accessors disagree for %v", p)
		}
	}
}

func TestParseInternalKeyErrors(t *testing.T) {
	if _, err := ParseInternalKey([]byte("short")); !errors.Is(err, ErrKeyTooSmall) {
		t.Errorf("short key err = %v", err)
	}
	bad := AppendInternalKey(nil, []byte("k"), 3, Kind(7))
	if _, err := ParseInternalKey(bad); !errors.Is(err, ErrInvalidKind) {
		t.Errorf("bad kind err = %v", err)
	}
}

func TestCompareOrdering(t *testing.T) {
	keys := [][]byte{
		MakeInternalKey([]byte("b"), 1, KindValue),
		MakeInternalKey([]byte("a"), 1, KindValue),
		MakeInternalKey([]byte("a"), 9, KindDelete),
		MakeInternalKey([]byte("a"), 5, KindValue),
		MakeInternalKey([]byte("ab"), 2, KindValue),
	}
	sort.Slice(keys, func(i, j int) bool { return Compare(keys[i], keys[j]) < 0 })

	want := []string{`"a"@9#DEL`, `"a"@5#SET`, `"a"@1#SET`, `"ab"@2#SET`, `"b"@1#SET`}
	for i, k := range keys {
		p, _ := ParseInternalKey(k)
		if p.String() != want[i] {
			t.Errorf("position %d = %s, want %s", i, p, want[i])
		}
	}
}

func TestSeekKeyPositionsOnVisibleVersion(t *testing.T) {
	versions := [][]byte{
		MakeInternalKey([]byte("k"), 10, KindValue),
		MakeInternalKey([]byte("k"), 7, KindDelete),
		MakeInternalKey([]byte("k"), 3, KindValue),
	}
	tests := []struct {
		readTS Timestamp
		want   int
	}{
		{11, 0}, {10, 0}, {9, 1}, {7, 1}, {5, 2}, {3, 2}, {2, 3},
	}
	for _, tt := range tests {
		seek := SeekKey([]byte("k"), tt.readTS)
		got := sort.Search(len(versions), func(i int) bool { return Compare(versions[i], seek) >= 0 })
		if got != tt.want {
			t.Errorf("readTS %d: position %d, want %d", tt.readTS, got, tt.want)
		}
	}
}

func TestUserKeyOfShortKey(t *testing.T) {
	if !bytes.Equal(UserKey([]byte("abc")), []byte("abc")) {
		t.Error("UserKey of a short key should return it unchanged")
	}
	if CompareUserKeys(MakeInternalKey([]byte("x"), 1, KindValue), MakeInternalKey([]byte("x"), 9, KindDelete)) != 0 {
		t.Error("CompareUserKeys should ignore trailers")
	}
}
