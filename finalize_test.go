// Copyright (c) 2026 The gochm Project.
// SPDX-License-Identifier: GPL-3.0-or-later

package chmcore

import "testing"

func TestSetIndicesSkipsInternalAndSingleCharItems(t *testing.T) {
	t.Parallel()

	db := &Database{
		Items: []Item{
			{Name: "::DataSpace/NameList"}, // internal, excluded
			{Name: "/"},                    // single char, excluded
			{Name: "/index.htm"},
			{Name: "/images/"},
		},
	}
	setIndices(db)

	want := []int{2, 3}
	if len(db.Indices) != len(want) {
		t.Fatalf("Indices = %v, want %v", db.Indices, want)
	}
	for i, idx := range want {
		if db.Indices[i] != idx {
			t.Errorf("Indices[%d] = %d, want %d", i, db.Indices[i], idx)
		}
	}
}

func TestSortIndicesDirsFirstThenSectionOffsetSize(t *testing.T) {
	t.Parallel()

	db := &Database{
		Items: []Item{
			{Name: "/b/", Section: 0, Offset: 0, Size: 0},       // 0: dir
			{Name: "/two.htm", Section: 1, Offset: 100, Size: 5}, // 1
			{Name: "/a/", Section: 0, Offset: 0, Size: 0},       // 2: dir
			{Name: "/one.htm", Section: 1, Offset: 50, Size: 5},  // 3
			{Name: "/zero.htm", Section: 0, Offset: 0, Size: 5},  // 4: section 0, skipped by check but still sorted
		},
		Indices: []int{0, 1, 2, 3, 4},
	}
	sortIndices(db)

	// Dirs keep their original relative order and sort before files;
	// files sort by section then offset.
	want := []int{0, 2, 4, 3, 1}
	if len(db.Indices) != len(want) {
		t.Fatalf("Indices = %v, want %v", db.Indices, want)
	}
	for i := range want {
		if db.Indices[i] != want[i] {
			t.Errorf("Indices = %v, want %v", db.Indices, want)
			break
		}
	}
}

func TestCheckRejectsOverlap(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		items []Item
		want  bool
	}{
		{
			name: "sequential, no overlap",
			items: []Item{
				{Name: "/a.htm", Section: 1, Offset: 0, Size: 10},
				{Name: "/b.htm", Section: 1, Offset: 10, Size: 20},
			},
			want: true,
		},
		{
			name: "overlap within section",
			items: []Item{
				{Name: "/a.htm", Section: 1, Offset: 0, Size: 10},
				{Name: "/b.htm", Section: 1, Offset: 5, Size: 20},
			},
			want: false,
		},
		{
			name: "separate sections each reset maxPos",
			items: []Item{
				{Name: "/a.htm", Section: 1, Offset: 0, Size: 10},
				{Name: "/b.htm", Section: 2, Offset: 0, Size: 10},
			},
			want: true,
		},
		{
			name: "section 0 and dirs are ignored",
			items: []Item{
				{Name: "/zero.htm", Section: 0, Offset: 0, Size: 5},
				{Name: "/dir/", Section: 1, Offset: 0, Size: 999},
				{Name: "/a.htm", Section: 1, Offset: 0, Size: 10},
			},
			want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			db := &Database{Items: tt.items}
			for i := range tt.items {
				db.Indices = append(db.Indices, i)
			}
			if got := check(db); got != tt.want {
				t.Errorf("check() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFinalizeIdempotent(t *testing.T) {
	t.Parallel()

	db := &Database{
		Items: []Item{
			{Name: "/a.htm", Section: 1, Offset: 0, Size: 10},
			{Name: "/b.htm", Section: 1, Offset: 10, Size: 20},
		},
	}
	ok1 := finalize(db)
	first := append([]int(nil), db.Indices...)
	ok2 := finalize(db)
	if ok1 != ok2 {
		t.Fatalf("finalize() not idempotent: first=%v second=%v", ok1, ok2)
	}
	if len(first) != len(db.Indices) {
		t.Fatalf("Indices changed across runs: %v -> %v", first, db.Indices)
	}
	for i := range first {
		if first[i] != db.Indices[i] {
			t.Errorf("Indices changed across runs: %v -> %v", first, db.Indices)
			break
		}
	}
}
