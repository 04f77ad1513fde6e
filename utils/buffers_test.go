package utils

import "testing"

func TestBuffersLen(t *testing.T) {
	bs := [][]byte{{1, 2, 3}, {4, 5}, nil, {6}}
	if got, want := BuffersLen(bs), 6; got != want {
		t.Fatalf("BuffersLen = %d, want %d", got, want)
	}
}

func TestMergeBuffersSingleBufferReturnedUnchanged(t *testing.T) {
	b := []byte{1, 2, 3}
	merged, dup := MergeBuffers([][]byte{b})
	if dup {
		t.Fatal("a single buffer should never be reported as a duplicate")
	}
	if &merged[0] != &b[0] {
		t.Fatal("a single buffer should be returned as-is, not copied")
	}
}

func TestMergeBuffersConcatenatesInOrder(t *testing.T) {
	bs := [][]byte{{1, 2}, {3}, {4, 5, 6}}
	merged, dup := MergeBuffers(bs)
	want := []byte{1, 2, 3, 4, 5, 6}
	if len(merged) != len(want) {
		t.Fatalf("len(merged) = %d, want %d", len(merged), len(want))
	}
	for i := range want {
		if merged[i] != want[i] {
			t.Fatalf("merged[%d] = %d, want %d", i, merged[i], want[i])
		}
	}
	if dup {
		PutPacket(merged)
	}
}

func TestMergeBuffersEmptyInput(t *testing.T) {
	merged, dup := MergeBuffers(nil)
	if merged != nil || dup {
		t.Fatalf("MergeBuffers(nil) = (%v, %v), want (nil, false)", merged, dup)
	}
}

func TestMergeBuffersOversizedAllocatesFreshBuffer(t *testing.T) {
	big := make([][]byte, 0, 4)
	chunk := make([]byte, MaxBufLen)
	for i := range chunk {
		chunk[i] = byte(i)
	}
	big = append(big, chunk, chunk, chunk)

	merged, dup := MergeBuffers(big)
	if !dup {
		t.Fatal("merging more than MaxBufLen bytes should report duplicate=true")
	}
	if len(merged) != 3*MaxBufLen {
		t.Fatalf("len(merged) = %d, want %d", len(merged), 3*MaxBufLen)
	}
}
