package query

import "github.com/roach88/resync/internal/record"

// Query is a sealed interface; only Select implements it.
type Query interface {
	queryNode()
}

// Predicate is a sealed interface; Equals and And implement it.
type Predicate interface {
	predicateNode()
}

// Select reads rows of a collection, optionally filtered and ordered.
// The record identity is always the final ordering key.
type Select struct {
	From    string
	Filter  Predicate
	OrderBy []string
}

func (Select) queryNode() {}

// Equals matches rows whose Field equals Value. Value must be a string,
// int64 or bool; floats and nulls are rejected at compile time.
type Equals struct {
	Field string
	Value any
}

func (Equals) predicateNode() {}

// And matches rows satisfying every predicate. An empty And matches all.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Primary returns the query over a scope's primary collection, the one a
// session observes.
func Primary(scope string) Select {
	return Select{
		From:   record.Collection,
		Filter: Equals{Field: "partition", Value: scope},
	}
}

// All returns the query over every record regardless of scope.
func All() Select {
	return Select{From: record.Collection}
}
