// BuildNet is a distributed build orchestration engine.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package hasher

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestHashFileCachesUntilMtimeChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "input.txt", "hello world")

	h := New(2)
	first, err := h.HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if h.Len() != 1 {
		t.Fatalf("expected 1 cache entry, got %d", h.Len())
	}

	second, err := h.HashFile(path)
	if err != nil {
		t.Fatalf("HashFile (cached): %v", err)
	}
	if second.Digest.Hex != first.Digest.Hex {
		t.Fatalf("expected cached digest to match, got %s vs %s", second.Digest.Hex, first.Digest.Hex)
	}

	// Change mtime and content; digest must change.
	future := time.Now().Add(2 * time.Second)
	if err := os.WriteFile(path, []byte("goodbye world"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	third, err := h.HashFile(path)
	if err != nil {
		t.Fatalf("HashFile (after change): %v", err)
	}
	if third.Digest.Hex == first.Digest.Hex {
		t.Fatalf("expected digest to change after content+mtime change")
	}
}

func TestHashPathsOrderPreserved(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 20; i++ {
		paths = append(paths, writeFile(t, dir, filepathName(i), filepathName(i)))
	}

	h := New(4)
	metas, err := h.HashPaths(paths)
	if err != nil {
		t.Fatalf("HashPaths: %v", err)
	}
	if len(metas) != len(paths) {
		t.Fatalf("expected %d results, got %d", len(paths), len(metas))
	}
	for i, m := range metas {
		abs, _ := filepath.Abs(paths[i])
		if m.Path != abs {
			t.Fatalf("result %d out of order: got %s want %s", i, m.Path, abs)
		}
	}
}

func filepathName(i int) string {
	return "file" + string(rune('a'+i)) + ".txt"
}

func TestCombineIsOrderIndependent(t *testing.T) {
	dir := t.TempDir()
	pathA := writeFile(t, dir, "a.txt", "aaa")
	pathB := writeFile(t, dir, "b.txt", "bbb")

	h := New(2)
	metaA, err := h.HashFile(pathA)
	if err != nil {
		t.Fatalf("HashFile a: %v", err)
	}
	metaB, err := h.HashFile(pathB)
	if err != nil {
		t.Fatalf("HashFile b: %v", err)
	}

	forward := Combine([]FileMeta{metaA, metaB})
	reverse := Combine([]FileMeta{metaB, metaA})

	if forward.Hex != reverse.Hex {
		t.Fatalf("expected Combine to be order independent, got %s vs %s", forward.Hex, reverse.Hex)
	}
}

func TestContentDigestIsDeterministic(t *testing.T) {
	data := []byte("artifact payload")
	d1 := ContentDigest(data)
	d2 := ContentDigest(data)
	if d1.Hex != d2.Hex {
		t.Fatalf("expected deterministic digest, got %s vs %s", d1.Hex, d2.Hex)
	}
	if d1.Algorithm != AlgoContent {
		t.Fatalf("expected AlgoContent, got %v", d1.Algorithm)
	}
	if d1.Size != int64(len(data)) {
		t.Fatalf("expected size %d, got %d", len(data), d1.Size)
	}
}

func TestInvalidateForcesRehash(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "input.txt", "hello")

	h := New(1)
	if _, err := h.HashFile(path); err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	h.Invalidate(path)
	if h.Len() != 0 {
		t.Fatalf("expected cache cleared after Invalidate, got %d entries", h.Len())
	}
}

func TestHashPathsEmpty(t *testing.T) {
	h := New(2)
	metas, err := h.HashPaths(nil)
	if err != nil {
		t.Fatalf("HashPaths(nil): %v", err)
	}
	if metas != nil {
		t.Fatalf("expected nil result for empty input, got %v", metas)
	}
}

func TestHashFileMissing(t *testing.T) {
	h := New(1)
	if _, err := h.HashFile(filepath.Join(t.TempDir(), "does-not-exist.txt")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
