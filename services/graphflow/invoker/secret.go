// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package invoker

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// minMlockLimitKB is the smallest RLIMIT_MEMLOCK at which memguard can
// lock its pages without falling back to plain heap memory.
const minMlockLimitKB = 64

var memguardInitOnce sync.Once

// ErrNoSecret is returned by LoadSecret when no source holds a value.
var ErrNoSecret = errors.New("secret not configured")

// Secret holds an API key sealed in a memguard enclave. The plaintext is
// only materialised inside Use.
//
// A nil *Secret is valid and means "no key".
type Secret struct {
	enclave *memguard.Enclave
}

// NewSecret seals value. An empty value returns nil.
func NewSecret(value string) *Secret {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	initMemguard()
	return &Secret{enclave: memguard.NewEnclave([]byte(value))}
}

// LoadSecret reads a key from the environment variable env or, failing
// that, from file (for example a container secret mount).
func LoadSecret(env, file string) (*Secret, error) {
	if env != "" {
		if v := os.Getenv(env); strings.TrimSpace(v) != "" {
			return NewSecret(v), nil
		}
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err == nil {
			sec := NewSecret(string(data))
			memguard.WipeBytes(data)
			return sec, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read secret file %s: %w", file, err)
		}
	}
	return nil, ErrNoSecret
}

// Use opens the enclave and calls fn with the plaintext. The locked buffer
// is destroyed when fn returns; fn must copy the key if it retains it.
func (s *Secret) Use(fn func(key string) error) error {
	if s == nil {
		return fn("")
	}
	lb, err := s.enclave.Open()
	if err != nil {
		return fmt.Errorf("open secret enclave: %w", err)
	}
	defer lb.Destroy()
	return fn(lb.String())
}

// initMemguard installs memguard's interrupt handler once and warns when
// the mlock limit is too low for locked pages.
func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()

		var rlimit unix.Rlimit
		if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
			slog.Warn("Could not determine mlock limit", slog.String("error", err.Error()))
			return
		}
		if rlimit.Cur != unix.RLIM_INFINITY && rlimit.Cur/1024 < minMlockLimitKB {
			slog.Warn("mlock limit is low, secrets may not be locked in memory",
				slog.Uint64("limit_kb", rlimit.Cur/1024))
		}
	})
}
