package primary_key

import (
	"bytes"
	"fmt"
	"slices"
)

// Key is one primary key column together with the range of values left to scan.
type Key struct {
	Name          string
	StartingValue any
	EndingValue   any
}

type Keys struct {
	keys []Key
}

func NewKeys(keys []Key) *Keys {
	return &Keys{
		keys: slices.Clone(keys),
	}
}

func (k *Keys) Length() int {
	if k == nil {
		return 0
	}
	return len(k.keys)
}

// UpdateStartingValue sets the starting value for a primary key and returns whether the value changed.
func (k *Keys) UpdateStartingValue(keyName string, startingVal any) (bool, error) {
	idx := slices.IndexFunc(k.keys, func(x Key) bool { return x.Name == keyName })
	if idx < 0 {
		return false, fmt.Errorf("no key named %q", keyName)
	}

	changed := !equal(k.keys[idx].StartingValue, startingVal)
	k.keys[idx].StartingValue = startingVal
	return changed, nil
}

func (k *Keys) KeyNames() []string {
	var keysToReturn []string
	for _, key := range k.keys {
		keysToReturn = append(keysToReturn, key.Name)
	}
	return keysToReturn
}

func (k *Keys) Keys() []Key {
	return k.keys
}

// IsExhausted returns true if the starting values and ending values are the same for all keys.
func (k *Keys) IsExhausted() bool {
	for _, key := range k.keys {
		if !equal(key.StartingValue, key.EndingValue) {
			return false
		}
	}
	return true
}

func equal(a, b any) bool {
	// Comparing byte arrays panics: comparing uncomparable type []uint8.
	if aBytes, ok := a.([]byte); ok {
		bBytes, ok := b.([]byte)
		if !ok {
			return false
		}
		return bytes.Equal(aBytes, bBytes)
	} else if _, ok := b.([]byte); ok {
		return false // b is []byte but a is not
	}

	return a == b
}
