package model

import "errors"

var (
	ErrDuplicateName     = errors.New("model: duplicate name")
	ErrUndeclaredSymbol  = errors.New("model: expression references undeclared symbol")
	ErrEmptySource       = errors.New("model: transition has empty source")
	ErrBadStopPredicate  = errors.New("model: malformed stop predicate")
	ErrBadObservation    = errors.New("model: malformed observation specification")
	ErrBadGrid           = errors.New("model: output grid must be strictly ascending")
	ErrUnknownComponent  = errors.New("model: reference to unknown compartment or auxiliary")
	ErrNoCompartments    = errors.New("model: at least one compartment required")
	ErrNoTransitions     = errors.New("model: at least one transition required")
)
