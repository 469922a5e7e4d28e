package store

// GetTyped returns the cached value for key asserted to type T. It returns
// the zero value of T and false if the key is missing or holds a different
// type.
func GetTyped[T any](s *Store, key Key) (T, bool) {
	cv, ok := s.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	v, ok := cv.Value.(T)
	if !ok {
		var zero T
		return zero, false
	}
	return v, true
}
