// Package packing converts sliced layer archives into printer-specific
// artifact formats with the external packing tool.
package packing
