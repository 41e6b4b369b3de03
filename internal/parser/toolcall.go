package parser

import (
	"fmt"
)

// Tool-call parameters arrive as a list of [name, value] pairs where value is
// a fixed-shape array whose single populated slot selects the type:
//
//	slot 1 → integer
//	slot 2 → string
//	slot 3 → boolean (1=true, 0=false)
//	slot 4 → explicit null
//	slot 5 → nested object (a nested pair list)
//	slot 6 → array (a list of tagged values)
//
// The slot mapping is a protocol contract, not discovered at runtime. A
// populated slot outside the known lattice is reported as an error so a
// protocol change fails noisily instead of silently dropping arguments.

const maxTaggedSlot = 6

// DecodeToolParams decodes a pair list into a parameter map.
func DecodeToolParams(pairs []any) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for i, pairAny := range pairs {
		pair, ok := pairAny.([]any)
		if !ok || len(pair) < 2 {
			return nil, fmt.Errorf("parameter %d: not a [name, value] pair", i)
		}
		name, ok := pair[0].(string)
		if !ok {
			return nil, fmt.Errorf("parameter %d: name is not a string", i)
		}
		value, err := DecodeTaggedValue(pair[1])
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", name, err)
		}
		params[name] = value
	}
	return params, nil
}

// DecodeTaggedValue decodes one type-tagged value array.
func DecodeTaggedValue(tagged any) (any, error) {
	slots, ok := tagged.([]any)
	if !ok {
		return nil, fmt.Errorf("tagged value is %T, want array", tagged)
	}
	slot := populatedSlot(slots)
	if slot < 0 {
		return nil, fmt.Errorf("tagged value has no populated slot")
	}
	if slot > maxTaggedSlot {
		return nil, fmt.Errorf("tagged value populates unknown slot %d", slot)
	}

	raw := slots[slot]
	switch slot {
	case 1:
		num, okNum := raw.(float64)
		if !okNum {
			return nil, fmt.Errorf("slot 1 holds %T, want number", raw)
		}
		return int64(num), nil
	case 2:
		str, okStr := raw.(string)
		if !okStr {
			return nil, fmt.Errorf("slot 2 holds %T, want string", raw)
		}
		return str, nil
	case 3:
		num, okNum := raw.(float64)
		if !okNum {
			return nil, fmt.Errorf("slot 3 holds %T, want 0/1", raw)
		}
		return num != 0, nil
	case 4:
		return nil, nil
	case 5:
		pairs, okPairs := raw.([]any)
		if !okPairs {
			return nil, fmt.Errorf("slot 5 holds %T, want pair list", raw)
		}
		return DecodeToolParams(pairs)
	default: // slot 6
		items, okItems := raw.([]any)
		if !okItems {
			return nil, fmt.Errorf("slot 6 holds %T, want element list", raw)
		}
		out := make([]any, 0, len(items))
		for i, item := range items {
			value, err := DecodeTaggedValue(item)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out = append(out, value)
		}
		return out, nil
	}
}

// populatedSlot finds the index of the single non-null slot past index 0.
func populatedSlot(slots []any) int {
	for i := 1; i < len(slots); i++ {
		if slots[i] != nil {
			return i
		}
	}
	return -1
}

// EncodeToolParams encodes a parameter map into the pair-list wire shape.
// Used by tests to validate the decode round-trip.
func EncodeToolParams(params map[string]any) []any {
	pairs := make([]any, 0, len(params))
	for name, value := range params {
		pairs = append(pairs, []any{name, EncodeTaggedValue(value)})
	}
	return pairs
}

// EncodeTaggedValue encodes one Go value into a type-tagged slot array.
func EncodeTaggedValue(value any) []any {
	slots := make([]any, maxTaggedSlot+1)
	switch v := value.(type) {
	case nil:
		slots[4] = float64(1)
	case bool:
		// False is encoded as an explicit 0 so slot 3 stays populated.
		if v {
			slots[3] = float64(1)
		} else {
			slots[3] = float64(0)
		}
	case int:
		slots[1] = float64(v)
	case int64:
		slots[1] = float64(v)
	case float64:
		slots[1] = v
	case string:
		slots[2] = v
	case map[string]any:
		slots[5] = EncodeToolParams(v)
	case []any:
		items := make([]any, 0, len(v))
		for _, item := range v {
			items = append(items, EncodeTaggedValue(item))
		}
		slots[6] = items
	}
	return slots
}
