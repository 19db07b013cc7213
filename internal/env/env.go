// Package env applies temporary overrides to the process environment.
//
// The environment is shared by the whole process, so an override holds a
// package lock from Apply until the returned restore function runs. Callers
// are expected to keep that window short, typically the duration of a single
// spawn:
//
//	restore, err := env.Apply(map[string]string{"LC_ALL": "C"})
//	if err != nil {
//		return err
//	}
//	defer restore()
package env

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"
)

var mx sync.Mutex

type previous struct {
	key   string
	value string
	set   bool
}

// Apply sets every key of overrides in the process environment and returns
// a function restoring the values seen before. Keys which did not exist are
// unset again. When setting a key fails, the keys applied so far are
// restored before the error is returned.
func Apply(overrides map[string]string) (func(), error) {
	mx.Lock()
	saved := make([]previous, 0, len(overrides))
	restore := func() {
		// reverse order, so a key listed twice ends up with its oldest value
		for i := len(saved) - 1; i >= 0; i-- {
			p := saved[i]
			if p.set {
				_ = os.Setenv(p.key, p.value)
			} else {
				_ = os.Unsetenv(p.key)
			}
		}
	}

	for _, key := range slices.Sorted(maps.Keys(overrides)) {
		value, set := os.LookupEnv(key)
		if err := os.Setenv(key, overrides[key]); err != nil {
			restore()
			mx.Unlock()
			return nil, fmt.Errorf("setting environment variable %q: %w", key, err)
		}
		saved = append(saved, previous{key: key, value: value, set: set})
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			restore()
			mx.Unlock()
		})
	}, nil
}

// With runs fn with overrides applied and restores the environment
// afterwards, whether fn returns an error or panics.
func With(overrides map[string]string, fn func() error) error {
	restore, err := Apply(overrides)
	if err != nil {
		return err
	}
	defer restore()
	return fn()
}
