package hmap

// Pair is a plain two-field value. Maps use it as the key/value entry type
// of Pairs and InsertPairs.
type Pair[A, B any] struct {
	First  A
	Second B
}

// MakePair builds a Pair from its two fields.
func MakePair[A, B any](first A, second B) Pair[A, B] {
	return Pair[A, B]{First: first, Second: second}
}

// Unpack returns both fields.
func (p Pair[A, B]) Unpack() (A, B) {
	return p.First, p.Second
}
