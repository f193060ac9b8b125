package workflow

import "fmt"

// IsUploadMissingDocument reports whether uploaded still falls short of
// required. Map keys must be normalized the same way by the caller.
//
// With newType empty every required type is checked. With newType set, only
// types that have uploads, plus newType itself, are checked; this answers
// "is this upload still needed" without requiring all other types to be
// present yet.
//
// A nil uploaded map means nothing is known yet and is not reported as
// missing. A nil required map is a configuration error.
func IsUploadMissingDocument(uploaded, required map[string]int, newType string) (bool, error) {
	if uploaded == nil {
		return false, nil
	}
	if required == nil {
		return false, fmt.Errorf("%w: required document counts are not configured", ErrConfiguration)
	}

	for docType, minCount := range required {
		count, ok := uploaded[docType]
		if !ok {
			if newType == "" || newType == docType {
				return true, nil
			}
			continue
		}
		if count < minCount {
			return true, nil
		}
	}
	return false, nil
}
