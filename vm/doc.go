// Package vm implements the message-dispatch core of a dynamic object
// runtime.
//
// This package contains:
//   - Selector and metadata-string interning into address arenas
//   - Record lists and the multi-list aggregator classes and categories use
//   - Class metadata: immutable base records, mutable extensions, realization
//   - Per-class dispatch caches with lock-free reads, preoptimized tables and
//     epoch-based reclamation of replaced bucket arrays
//   - Lookup: cache probe, superclass walk and cache fill under the runtime lock
//
// Cache reads never block. Every mutation of classes, lists or cache contents
// happens under the runtime lock.
package vm
