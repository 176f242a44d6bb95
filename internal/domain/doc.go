// Package domain defines the core business types for the mail-list
// qualification engine.
//
// Types in this package are pure value objects with no behavior, no database
// dependencies, and no I/O concerns. They are the shared language between
// readers, the pipeline, the stores, and the writers.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no context.Context in struct fields
//   - JSON tags are allowed (they're metadata, not behavior)
//   - Validation methods are allowed (they're pure functions on the type)
//   - Constants and enums belong here
package domain
