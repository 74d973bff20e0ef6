package value

// Object is a string-keyed map that remembers insertion order.
type Object struct {
	keys []string
	vals map[string]*Value
}

// NewObject creates an empty Object.
func NewObject() *Object {
	return &Object{vals: make(map[string]*Value)}
}

// Len returns the number of keys.
func (o *Object) Len() int {
	if o == nil {
		return 0
	}
	return len(o.keys)
}

// Keys returns the keys in insertion order.
func (o *Object) Keys() []string {
	if o == nil {
		return nil
	}
	out := make([]string, len(o.keys))
	copy(out, o.keys)
	return out
}

// Get returns the value stored under key.
func (o *Object) Get(key string) (Value, bool) {
	if o == nil {
		return Value{}, false
	}
	v, ok := o.vals[key]
	if !ok {
		return Value{}, false
	}
	return *v, true
}

// Ptr returns a pointer to the stored value so it can be mutated in place, or nil.
func (o *Object) Ptr(key string) *Value {
	if o == nil {
		return nil
	}
	return o.vals[key]
}

// Set stores v under key. Existing keys keep their position.
func (o *Object) Set(key string, v Value) {
	if existing, ok := o.vals[key]; ok {
		*existing = v
		return
	}
	stored := v
	o.vals[key] = &stored
	o.keys = append(o.keys, key)
}

// Delete removes key and reports whether it was present.
func (o *Object) Delete(key string) bool {
	if _, ok := o.vals[key]; !ok {
		return false
	}
	delete(o.vals, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
	return true
}

// Range calls fn for every entry in order until fn returns false.
func (o *Object) Range(fn func(key string, v Value) bool) {
	if o == nil {
		return
	}
	for _, k := range o.keys {
		if !fn(k, *o.vals[k]) {
			return
		}
	}
}

// Clone returns a deep copy.
func (o *Object) Clone() *Object {
	out := NewObject()
	if o == nil {
		return out
	}
	out.keys = make([]string, len(o.keys))
	copy(out.keys, o.keys)
	for k, v := range o.vals {
		c := v.Clone()
		out.vals[k] = &c
	}
	return out
}

// Equal compares contents ignoring key order.
func (o *Object) Equal(other *Object) bool {
	if o.Len() != other.Len() {
		return false
	}
	if o == nil || other == nil {
		return true
	}
	for k, v := range o.vals {
		ov, ok := other.vals[k]
		if !ok || !v.Equal(*ov) {
			return false
		}
	}
	return true
}
