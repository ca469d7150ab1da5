// Package archive keeps every completed raw blob in rotating Parquet files.
//
// Dispatchers hand blobs over with Append, which never blocks. A single
// writer goroutine drains the hand-off queue, appends rows to the open
// file, flushes it on an interval and rotates it after a row limit. Files
// are named blobs-<unix-ms>-<n>.parquet and are readable with ReadFile once
// closed.
package archive
