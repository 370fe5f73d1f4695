package engine

// Update returns a copy of state with the leaf at path replaced by value.
// Every other node of state is carried over unchanged.
//
// A path the shape does not declare as a leaf yields a *PathError wrapping
// ErrPathNotFound; a value of the wrong kind yields a *MappingError. In
// both cases the original state is returned untouched and no new shape is
// ever created.
func Update(shape *Shape, state State, path Path, value any) (State, error) {
	f, ok := shape.Field(path)
	if !ok {
		return state, &PathError{Path: path, Err: ErrPathNotFound}
	}
	v, ok := coerce(f.Kind, value)
	if !ok {
		return state, &MappingError{Path: path, Column: f.Column(), Want: f.Kind, Got: value}
	}

	next := state.Clone()
	if next == nil {
		next = State{}
	}
	next.set(path, v)
	return next, nil
}
