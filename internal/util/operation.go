package util

import (
	"fmt"

	"github.com/go-sif/collect"
)

// SafeMerge merges src into dst such that panics in the merge engine are recovered and
// nice error messages are constructed
func SafeMerge(dst collect.Document, src collect.Document) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if anErr, ok := r.(error); ok {
				err = fmt.Errorf("Merge Panic: %w\n%s", anErr, GetTrace())
			} else {
				err = fmt.Errorf("Merge Panic: %v\n%s", r, GetTrace())
			}
		} else if err != nil {
			err = fmt.Errorf("Merge Error: %w", err)
		}
	}()
	err = dst.Merge(src)
	return
}

// SafeDeserialize wraps a deserialization function such that panics are recovered and
// nice error messages are constructed
func SafeDeserialize(deserialize func([]byte) (collect.Document, error), buf []byte) (doc collect.Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			doc = nil
			if anErr, ok := r.(error); ok {
				err = fmt.Errorf("Deserialize Panic: %w\n%s", anErr, GetTrace())
			} else {
				err = fmt.Errorf("Deserialize Panic: %v\n%s", r, GetTrace())
			}
		} else if err != nil {
			err = fmt.Errorf("Deserialize Error: %w", err)
		}
	}()
	doc, err = deserialize(buf)
	return
}
