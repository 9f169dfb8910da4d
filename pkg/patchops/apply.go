package patchops

import "fmt"

// Apply runs ops against base in order, returning the resulting value. base
// is never mutated in place: every intermediate node along a touched path is
// copied, so a caller holding the original base sees it unchanged even when
// a later op in the same batch fails. Failure of any op aborts the whole
// patch — Apply returns the error and a nil value; the caller must not use
// any partial result.
func Apply(base any, ops []Op) (any, error) {
	cur := base
	for i, op := range ops {
		next, err := applyOne(cur, op)
		if err != nil {
			return nil, fmt.Errorf("patchops: op %d (%s %s): %w", i, op.Op, op.Path, err)
		}
		cur = next
	}
	return cur, nil
}

func applyOne(root any, op Op) (any, error) {
	switch op.Op {
	case Replace:
		segs, err := splitPointer(op.Path)
		if err != nil {
			return nil, err
		}
		return setAt(root, segs, op.Value, false)
	case Add:
		segs, err := splitPointer(op.Path)
		if err != nil {
			return nil, err
		}
		return setAt(root, segs, op.Value, true)
	case Remove:
		segs, err := splitPointer(op.Path)
		if err != nil {
			return nil, err
		}
		return removeAt(root, segs)
	case Move:
		fromSegs, err := splitPointer(op.From)
		if err != nil {
			return nil, err
		}
		toSegs, err := splitPointer(op.Path)
		if err != nil {
			return nil, err
		}
		val, ok := getAt(root, fromSegs)
		if !ok {
			return nil, fmt.Errorf("move: source path %q not found", op.From)
		}
		afterRemove, err := removeAt(root, fromSegs)
		if err != nil {
			return nil, err
		}
		return setAt(afterRemove, toSegs, val, true)
	case Splice:
		segs, err := splitPointer(op.Path)
		if err != nil {
			return nil, err
		}
		return spliceAt(root, segs, op.Index, op.Remove, op.Add)
	default:
		return nil, fmt.Errorf("unknown patch op %q", op.Op)
	}
}

// getAt reads the value at segs without mutating anything.
func getAt(root any, segs []string) (any, bool) {
	cur := root
	for _, seg := range segs {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			if !isArrayIndex(seg) {
				return nil, false
			}
			idx, err := parseIndex(seg)
			if err != nil || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// setAt returns a new root with value placed at segs. When create is true
// (add semantics), missing intermediate containers are materialized:
// numeric segments build arrays, string segments build objects. When create
// is false (replace semantics), every segment, the leaf included, must
// already resolve.
func setAt(root any, segs []string, value any, create bool) (any, error) {
	if len(segs) == 0 {
		return value, nil
	}
	return setRec(root, segs, value, create)
}

func setRec(node any, segs []string, value any, create bool) (any, error) {
	seg := segs[0]
	rest := segs[1:]

	if len(rest) == 0 {
		return setChild(node, seg, value, create)
	}

	child, ok := getChild(node, seg)
	if !ok {
		if !create {
			return nil, fmt.Errorf("path segment %q not found", seg)
		}
		if isArrayIndex(rest[0]) {
			child = []any{}
		} else {
			child = map[string]any{}
		}
	}

	newChild, err := setRec(child, rest, value, create)
	if err != nil {
		return nil, err
	}
	return setChild(node, seg, newChild, true)
}

// getChild reads node[seg] for a map or array node, or reports false for a
// scalar/nil node (or an out-of-range array index).
func getChild(node any, seg string) (any, bool) {
	switch n := node.(type) {
	case map[string]any:
		v, ok := n[seg]
		return v, ok
	case []any:
		if !isArrayIndex(seg) {
			return nil, false
		}
		idx, err := parseIndex(seg)
		if err != nil || idx >= len(n) {
			return nil, false
		}
		return n[idx], true
	default:
		return nil, false
	}
}

// setChild returns a copy of node with seg set to value, materializing node
// itself (from nil) when create is true and node has no established shape
// yet.
func setChild(node any, seg string, value any, create bool) (any, error) {
	switch n := node.(type) {
	case map[string]any:
		if !create {
			if _, ok := n[seg]; !ok {
				return nil, fmt.Errorf("path segment %q not found", seg)
			}
		}
		m := cloneMap(n)
		m[seg] = value
		return m, nil
	case []any:
		arr := cloneSlice(n)
		if isArrayIndex(seg) {
			idx, err := parseIndex(seg)
			if err != nil {
				return nil, err
			}
			switch {
			case idx < len(arr):
				arr[idx] = value
			case idx == len(arr) && create:
				arr = append(arr, value)
			default:
				return nil, fmt.Errorf("array index %d out of range (len %d)", idx, len(arr))
			}
			return arr, nil
		}
		return nil, fmt.Errorf("cannot set string key %q on an array", seg)
	case nil:
		if !create {
			return nil, fmt.Errorf("path segment %q not found", seg)
		}
		if isArrayIndex(seg) {
			idx, err := parseIndex(seg)
			if err != nil {
				return nil, err
			}
			arr := make([]any, idx+1)
			arr[idx] = value
			return arr, nil
		}
		return map[string]any{seg: value}, nil
	default:
		return nil, fmt.Errorf("cannot descend into a scalar value at %q", seg)
	}
}

// removeAt returns a new root with the node at segs removed.
func removeAt(root any, segs []string) (any, error) {
	if len(segs) == 0 {
		return nil, fmt.Errorf("cannot remove the document root")
	}
	parentSegs := segs[:len(segs)-1]
	leaf := segs[len(segs)-1]

	parent, ok := getAt(root, parentSegs)
	if !ok {
		return nil, fmt.Errorf("remove: parent path not found")
	}

	newParent, err := removeChild(parent, leaf)
	if err != nil {
		return nil, err
	}
	return setAt(root, parentSegs, newParent, true)
}

func removeChild(node any, seg string) (any, error) {
	switch n := node.(type) {
	case map[string]any:
		if _, ok := n[seg]; !ok {
			return nil, fmt.Errorf("remove: key %q not found", seg)
		}
		m := cloneMap(n)
		delete(m, seg)
		return m, nil
	case []any:
		if !isArrayIndex(seg) {
			return nil, fmt.Errorf("remove: invalid array index %q", seg)
		}
		idx, err := parseIndex(seg)
		if err != nil || idx >= len(n) {
			return nil, fmt.Errorf("remove: array index %q out of range", seg)
		}
		out := make([]any, 0, len(n)-1)
		out = append(out, n[:idx]...)
		out = append(out, n[idx+1:]...)
		return out, nil
	default:
		return nil, fmt.Errorf("remove: cannot remove from a scalar value")
	}
}

// spliceAt applies an array splice: remove `remove` elements starting at
// index, then insert `add` in their place.
func spliceAt(root any, segs []string, index, remove int, add []any) (any, error) {
	target, ok := getAt(root, segs)
	if !ok {
		return nil, fmt.Errorf("splice: target path not found")
	}
	arr, ok := target.([]any)
	if !ok {
		return nil, fmt.Errorf("splice: target is not an array")
	}
	if index < 0 || index > len(arr) {
		return nil, fmt.Errorf("splice: index %d out of range (len %d)", index, len(arr))
	}
	end := index + remove
	if remove < 0 || end > len(arr) {
		return nil, fmt.Errorf("splice: remove count %d out of range at index %d (len %d)", remove, index, len(arr))
	}

	out := make([]any, 0, len(arr)-remove+len(add))
	out = append(out, arr[:index]...)
	out = append(out, add...)
	out = append(out, arr[end:]...)

	return setAt(root, segs, out, true)
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneSlice(s []any) []any {
	out := make([]any, len(s))
	copy(out, s)
	return out
}
