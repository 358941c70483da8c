// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package residency

import (
	"fmt"
	"math"
)

// Transform converts a raw parsed counter into its reported unit.
// Implementations must be pure.
type Transform func(raw uint64) (uint64, error)

// Identity reports the raw value unchanged
func Identity(raw uint64) (uint64, error) {
	return raw, nil
}

// DivideBy returns a transform that divides by n, e.g. clock ticks to ms.
func DivideBy(n uint64) (Transform, error) {
	if n == 0 {
		return nil, NewConfigError("divisor cannot be zero")
	}
	return func(raw uint64) (uint64, error) {
		return raw / n, nil
	}, nil
}

// MultiplyBy returns a transform that scales by n and fails on overflow
func MultiplyBy(n uint64) (Transform, error) {
	if n == 0 {
		return nil, NewConfigError("multiplier cannot be zero")
	}
	return func(raw uint64) (uint64, error) {
		if raw > math.MaxUint64/n {
			return 0, fmt.Errorf("%d * %d overflows", raw, n)
		}
		return raw * n, nil
	}, nil
}

// Apply runs the transform on raw. A nil Transform is the identity.
func (t Transform) Apply(raw uint64) (uint64, error) {
	if t == nil {
		return raw, nil
	}
	return t(raw)
}
