package schema

import "fmt"

// RelationshipAttributeError reports an unrecognized key under a node's
// relationship block.
type RelationshipAttributeError struct {
	Table      string
	Attributes []string
}

func (e *RelationshipAttributeError) Error() string {
	return fmt.Sprintf("unknown relationship attribute(s) on %q: %v", e.Table, e.Attributes)
}

// RelationshipVariantError reports a relationship.variant outside
// {object, scalar}.
type RelationshipVariantError struct {
	Table   string
	Variant string
}

func (e *RelationshipVariantError) Error() string {
	return fmt.Sprintf("relationship variant %q on %q is not one of object, scalar", e.Variant, e.Table)
}

// RelationshipTypeError reports a relationship.type outside
// {one_to_one, one_to_many}.
type RelationshipTypeError struct {
	Table string
	Type  string
}

func (e *RelationshipTypeError) Error() string {
	return fmt.Sprintf("relationship type %q on %q is not one of one_to_one, one_to_many", e.Type, e.Table)
}

// RelationshipError reports a missing relationship block on a non-root node.
type RelationshipError struct {
	Table string
}

func (e *RelationshipError) Error() string {
	return fmt.Sprintf("relationship not present on %q", e.Table)
}

// ForeignKeyError reports the absence of any foreign-key path (direct or
// through-table) between a node and its parent.
type ForeignKeyError struct {
	ParentTable string
	ChildTable  string
}

func (e *ForeignKeyError) Error() string {
	return fmt.Sprintf("No foreign key relationship between %q and %q", e.ParentTable, e.ChildTable)
}

// ScalarColumnCountError reports a scalar-variant node that projects a
// column count other than exactly one.
type ScalarColumnCountError struct {
	Table string
	Count int
}

func (e *ScalarColumnCountError) Error() string {
	return fmt.Sprintf("scalar node %q must project exactly one column, got %d", e.Table, e.Count)
}

// CycleError reports a table reappearing along its own ancestor chain.
type CycleError struct {
	Table string
	Path  []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %q reappears along ancestor path %v", e.Table, e.Path)
}
