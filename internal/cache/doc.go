// Package cache defines the disk-backed partition store that persists
// request/response pairs for the interception layer. Partitions are named
// directories carrying a version token (static-v3, dynamic-v1); entries map a
// normalized (method, path) key onto StoragePath/<partition>/<method>/<path>
// files written with temp-file + rename semantics. The staged-partition
// primitive gives the install phase its all-or-nothing guarantee: nothing is
// visible to Names or Lookup until Commit atomically swaps the directory in.
package cache
