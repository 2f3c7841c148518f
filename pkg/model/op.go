package model

// Op kinds. A mutation submitted by a session carries one or more ops,
// applied atomically when the mutation is admitted.
const (
	OpKindPut uint8 = 1 // insert/replace
	OpKindDel uint8 = 2 // remove
)

// Op is a single change to one document key. Immutable once created.
type Op struct {
	Kind  uint8
	Key   string
	Value []byte // empty when Kind is OpKindDel
}

func Put(key string, value []byte) Op {
	v := make([]byte, len(value))
	copy(v, value)
	return Op{Kind: OpKindPut, Key: key, Value: v}
}

func Del(key string) Op {
	return Op{Kind: OpKindDel, Key: key}
}

// Valid reports whether the op has a known kind and a non-empty key.
func (o Op) Valid() bool {
	if o.Key == "" {
		return false
	}
	switch o.Kind {
	case OpKindPut, OpKindDel:
		return true
	}
	return false
}

// Keys returns the set of keys a mutation touches. Overlap of these sets
// is what makes two concurrent mutations conflict.
func Keys(ops []Op) map[string]struct{} {
	ks := make(map[string]struct{}, len(ops))
	for _, o := range ops {
		ks[o.Key] = struct{}{}
	}
	return ks
}

// Overlaps reports whether any key in ops is present in keys.
func Overlaps(ops []Op, keys map[string]struct{}) bool {
	for _, o := range ops {
		if _, ok := keys[o.Key]; ok {
			return true
		}
	}
	return false
}
