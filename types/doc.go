// Package types defines the shared data model of the memflow engine:
// memory records, scopes and hierarchy levels, extracted entities and
// relations, conflicts, and the unified error taxonomy.
//
// All components exchange data through these value types; no component
// shares mutable state across package boundaries.
package types
