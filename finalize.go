// Copyright (c) 2026 The gochm Project.
// SPDX-License-Identifier: GPL-3.0-or-later

package chmcore

import "sort"

// finalize runs the Files Database Finalizer over a fully parsed Database:
// select user-visible items, sort them for sequential-offset extraction,
// and validate that no two items in the same section overlap. Ported from
// CFilesDatabase::SetIndices/Sort/Check.
func finalize(db *Database) bool {
	setIndices(db)
	sortIndices(db)
	return check(db)
}

// setIndices selects items a caller would actually want to extract:
// user-visible (name doesn't start with "::") and not a single-character
// name (the original's heuristic for excluding degenerate entries).
func setIndices(db *Database) {
	db.Indices = db.Indices[:0]
	for i, item := range db.Items {
		if item.IsUserItem() && len(item.Name) != 1 {
			db.Indices = append(db.Indices, i)
		}
	}
}

// sortIndices orders indices directories-first, then by section, offset,
// and size ascending, with original index as the final tiebreaker —
// a multi-key comparator closure standing in for the original's
// void-context qsort comparator.
func sortIndices(db *Database) {
	items := db.Items
	sort.SliceStable(db.Indices, func(a, b int) bool {
		p, q := db.Indices[a], db.Indices[b]
		ip, iq := items[p], items[q]
		dirP, dirQ := ip.IsDir(), iq.IsDir()
		if dirP != dirQ {
			return dirP
		}
		if dirP {
			return p < q
		}
		if ip.Section != iq.Section {
			return ip.Section < iq.Section
		}
		if ip.Offset != iq.Offset {
			return ip.Offset < iq.Offset
		}
		if ip.Size != iq.Size {
			return ip.Size < iq.Size
		}
		return p < q
	})
}

// check walks the sorted indices and verifies that, within each non-zero
// section's run, offsets are monotonically non-decreasing and no item's
// offset+size overflows.
func check(db *Database) bool {
	var maxPos uint64
	var prevSection uint64
	haveRun := false
	for _, idx := range db.Indices {
		item := db.Items[idx]
		if item.Section == 0 || item.IsDir() {
			continue
		}
		end := item.Offset + item.Size
		if end < item.Offset {
			return false
		}
		if haveRun && item.Section == prevSection && item.Offset < maxPos {
			return false
		}
		prevSection = item.Section
		maxPos = end
		haveRun = true
	}
	return true
}
