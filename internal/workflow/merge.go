package workflow

import (
	"fmt"
	"maps"
)

const inferencesKey = "inferences"

// MergeStageOutput folds a stage handler's output into the payload it was
// given and returns the merged copy; neither argument is modified.
//
// When the payload already carries an "inferences" container, the output's
// "inferences" are unioned into it key by key and an existing key is never
// overwritten. Otherwise the output is spread over the top level of the
// payload, which is how the first stage establishes the container.
func MergeStageOutput(payload, output map[string]any) (map[string]any, error) {
	merged := maps.Clone(payload)
	if merged == nil {
		merged = make(map[string]any, len(output))
	}

	existing, ok := payload[inferencesKey]
	if !ok {
		maps.Copy(merged, output)
		return merged, nil
	}

	dst, _ := existing.(map[string]any)
	src, _ := output[inferencesKey].(map[string]any)
	union, err := unionInferences(dst, src, inferencesKey)
	if err != nil {
		return nil, err
	}
	merged[inferencesKey] = union
	return merged, nil
}

// unionInferences returns the deep union of dst and src, failing on any leaf
// present in both.
func unionInferences(dst, src map[string]any, path string) (map[string]any, error) {
	out := maps.Clone(dst)
	if out == nil {
		out = make(map[string]any, len(src))
	}
	for key, value := range src {
		current, exists := out[key]
		if !exists {
			out[key] = value
			continue
		}
		currentMap, ok1 := current.(map[string]any)
		valueMap, ok2 := value.(map[string]any)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%w: %s.%s", ErrDuplicateInferenceKey, path, key)
		}
		nested, err := unionInferences(currentMap, valueMap, path+"."+key)
		if err != nil {
			return nil, err
		}
		out[key] = nested
	}
	return out, nil
}
