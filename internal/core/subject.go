package core

import "encoding/json"

// Keys that make a candidate product parse usable.
const (
	nutritionKey   = "nutrition_facts"
	ingredientsKey = "ingredients"
)

// SelectSubject picks the product a payload is about.  The extractor may
// return a single description or several candidate parses:
//   - absent or null: no subject (nil)
//   - an object: that object as-is
//   - an array: the first element that is an object carrying a nutrition
//     facts mapping or an ingredient list, else nil
//
// Anything else, including undecodable data, is treated as no subject.
func SelectSubject(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	switch s := v.(type) {
	case map[string]any:
		return s
	case []any:
		for _, c := range s {
			obj, ok := c.(map[string]any)
			if ok && usableSubject(obj) {
				return obj
			}
		}
	}
	return nil
}

func usableSubject(obj map[string]any) bool {
	if _, ok := obj[nutritionKey].(map[string]any); ok {
		return true
	}
	_, ok := obj[ingredientsKey].([]any)
	return ok
}
