// Package query defines the small query language used to read and observe
// a replica's collections, and its compilation to parameterized SQLite.
//
// Queries are values of the sealed Query interface; predicates of the
// sealed Predicate interface. Every compiled query carries a deterministic
// ORDER BY with the record identity as final tiebreaker, so repeated reads
// of an unchanged replica return rows in the same order.
package query
