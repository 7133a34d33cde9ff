// Package cache implements the journal-backed disk tier. A store directory
// holds one append-only journal (DIRTY/CLEAN/REMOVE/READ records replayed on
// open to rebuild the index) plus one content file per entry stream, named
// <key>.<index>. Writes land in <key>.<index>.tmp and become visible only when
// the editor commits, via rename, so readers observe either the previous
// committed bytes or a miss. The total size of committed entries is bounded;
// the least recently read entries are evicted first. A journal written under a
// different version tag, or one that fails to parse, wipes the directory.
package cache
