// Package wire encodes and decodes the datagram formats sent by sensing
// units.
//
// Two framings share the UDP port and are told apart by the first byte:
//
//	fragment (version 2, 19-byte header, big-endian)
//	┌─────────┬───────┬──────┬──────────┬────────┬────────┬───────┬─────────┐
//	│ version │ flags │ unit │ sequence │ offset │ length │ total │ payload │
//	│   u8    │  u8   │  u8  │   u32    │  u32   │  u32   │  u32  │ length  │
//	└─────────┴───────┴──────┴──────────┴────────┴────────┴───────┴─────────┘
//
//	batch (version 1, 8-byte header, little-endian)
//	┌─────────┬───────┬──────┬───────┬──────────┬──────────────────────────┐
//	│ version │ flags │ unit │ count │ reserved │ count × (cell u32, rgb)  │
//	│   u8    │  u8   │ u16  │  u16  │   u16    │                          │
//	└─────────┴───────┴──────┴───────┴──────────┴──────────────────────────┘
//
// Decoders never read past the bounds they have checked and never allocate
// more than the declared, checked size.
package wire
