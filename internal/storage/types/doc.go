// Package types defines the data types flowing from the dispatcher into
// storage.
//
// Key types:
//   - Point: one spatial sample after decoding
//   - Batch: the points of one decoded blob, tagged with its unit
//   - Item: one completed raw blob, as archived
package types
