package block

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/aalhour/lsmkv/internal/checksum"
	"github.com/aalhour/lsmkv/internal/status"
)

func buildBlock(t *testing.T, restartInterval int, keys []string) *Block {
	t.Helper()
	b := NewBuilder(restartInterval)
	for _, k := range keys {
		b.Add([]byte(k), []byte("v-"+k))
	}
	blk, err := NewBlock(append([]byte(nil), b.Finish()...))
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}
	return blk
}

func sortedKeys(n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("user/%06d", i)
	}
	return keys
}

func TestBlockRoundTrip(t *testing.T) {
	for _, interval := range []int{1, 2, 16, 1000} {
		t.Run(fmt.Sprintf("restart=%d", interval), func(t *testing.T) {
			keys := sortedKeys(100)
			blk := buildBlock(t, interval, keys)

			it := blk.NewIterator(bytes.Compare)
			i := 0
			for it.SeekToFirst(); it.Valid(); it.Next() {
				if string(it.Key()) != keys[i] || string(it.Value()) != "v-"+keys[i] {
					t.Fatalf("entry %d = %q/%q", i, it.Key(), it.Value())
				}
				i++
			}
			if it.Error() != nil {
				t.Fatalf("iteration error: %v", it.Error())
			}
			if i != len(keys) {
				t.Fatalf("iterated %d entries, want %d", i, len(keys))
			}
		})
	}
}

func TestBlockPrefixCompressionShrinksKeys(t *testing.T) {
	keys := sortedKeys(64)
	compressed := NewBuilder(16)
	plain := NewBuilder(1)
	for _, k := range keys {
		compressed.Add([]byte(k), nil)
		plain.Add([]byte(k), nil)
	}
	if len(compressed.Finish()) >= len(plain.Finish()) {
		t.Error("shared prefixes did not reduce block size")
	}
}

func TestBlockSeek(t *testing.T) {
	keys := sortedKeys(50)
	blk := buildBlock(t, 4, keys)
	it := blk.NewIterator(bytes.Compare)

	tests := []struct {
		target string
		want   string
		valid  bool
	}{
		{"", keys[0], true},
		{keys[0], keys[0], true},
		{keys[17], keys[17], true},
		{keys[17] + "\x00", keys[18], true},
		{keys[49], keys[49], true},
		{"user/999999", "", false},
	}
	for _, tt := range tests {
		it.Seek([]byte(tt.target))
		if it.Valid() != tt.valid {
			t.Fatalf("Seek(%q) valid = %v, want %v", tt.target, it.Valid(), tt.valid)
		}
		if tt.valid && string(it.Key()) != tt.want {
			t.Errorf("Seek(%q) = %q, want %q", tt.target, it.Key(), tt.want)
		}
	}
}

func TestEmptyBlock(t *testing.T) {
	b := NewBuilder(16)
	if !b.Empty() {
		t.Fatal("new builder not empty")
	}
	blk, err := NewBlock(b.Finish())
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}
	it := blk.NewIterator(bytes.Compare)
	it.SeekToFirst()
	if it.Valid() {
		t.Error("empty block iterator should be invalid")
	}
}

func TestBuilderResetAndEstimates(t *testing.T) {
	b := NewBuilder(16)
	before := b.CurrentSizeEstimate()
	est := b.EstimateSizeAfterKV([]byte("key"), []byte("value"))
	b.Add([]byte("key"), []byte("value"))
	if b.CurrentSizeEstimate() <= before || b.CurrentSizeEstimate() > est {
		t.Errorf("estimate %d not within (%d, %d]", b.CurrentSizeEstimate(), before, est)
	}
	if string(b.LastKey()) != "key" {
		t.Errorf("LastKey = %q", b.LastKey())
	}
	b.Finish()
	b.Reset()
	if !b.Empty() || len(b.LastKey()) != 0 {
		t.Error("Reset did not clear the builder")
	}
}

func TestCorruptBlock(t *testing.T) {
	if _, err := NewBlock([]byte{1, 2}); !errors.Is(err, status.ErrCorruption) {
		t.Errorf("short block err = %v", err)
	}
	if _, err := NewBlock([]byte{0xff, 0xff, 0xff, 0x7f}); !errors.Is(err, ErrBadBlock) {
		t.Errorf("oversized restart count err = %v", err)
	}

	b := NewBuilder(16)
	b.Add([]byte("aaaa"), []byte("value"))
	b.Add([]byte("aaab"), []byte("value"))
	data := append([]byte(nil), b.Finish()...)
	data[1] = 0xff // unshared length of the first entry
	blk, err := NewBlock(data)
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}
	it := blk.NewIterator(bytes.Compare)
	it.SeekToFirst()
	if it.Valid() || !errors.Is(it.Error(), status.ErrCorruption) {
		t.Errorf("valid=%v err=%v, want corruption", it.Valid(), it.Error())
	}
}

func TestHandleRoundTrip(t *testing.T) {
	h := Handle{Offset: 1 << 40, Size: 4096}
	enc := h.EncodeTo(nil)
	got, rest, err := DecodeHandle(append(enc, 'x'))
	if err != nil || got != h || string(rest) != "x" {
		t.Fatalf("DecodeHandle = %+v, %q, %v", got, rest, err)
	}
	if _, _, err := DecodeHandle(enc[:1]); !errors.Is(err, ErrBadBlockHandle) {
		t.Errorf("truncated handle err = %v", err)
	}
}

func TestFooterRoundTrip(t *testing.T) {
	f := Footer{
		MetaindexHandle: Handle{Offset: 100, Size: 20},
		IndexHandle:     Handle{Offset: 125, Size: 300},
		ChecksumType:    checksum.TypeXXH3,
		FormatVersion:   FormatVersion,
	}
	enc := f.EncodeTo(nil)
	if len(enc) != FooterSize {
		t.Fatalf("footer size %d, want %d", len(enc), FooterSize)
	}
	got, err := DecodeFooter(enc)
	if err != nil {
		t.Fatalf("DecodeFooter: %v", err)
	}
	if *got != f {
		t.Errorf("footer = %+v, want %+v", *got, f)
	}

	enc[len(enc)-1] ^= 0xff
	if _, err := DecodeFooter(enc); !errors.Is(err, ErrBadFooter) {
		t.Errorf("bad magic err = %v", err)
	}
}
