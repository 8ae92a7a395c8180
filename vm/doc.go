// Package vm implements the hybrid runtime: runtime metadata built over
// raw CIL images and the fallback interpreter that executes their IL.
//
// This package contains:
//   - Runtime, the context owning loaded images and the metadata lock
//   - Per-image classes, methods and fields with token resolution caches
//   - Generic containers, instantiation and vtable construction
//   - A synthesized core library bound to Go natives
//   - The IL to register-code transform and its interpreter loop
//   - Single-pass exception dispatch with filters and finally chains
package vm
