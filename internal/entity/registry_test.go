// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package entity

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sustainable-computing-io/powerstats/internal/residency"
)

func TestRegistryAdd(t *testing.T) {
	r := NewRegistry()

	apss, err := r.Add("APSS", Subsystem)
	require.NoError(t, err)
	mpss, err := r.Add("MPSS", Subsystem)
	require.NoError(t, err)
	soc, err := r.Add("SoC", PowerDomain)
	require.NoError(t, err)

	assert.Equal(t, uint32(0), apss)
	assert.Equal(t, uint32(1), mpss)
	assert.Equal(t, uint32(2), soc)

	assert.Equal(t, []PowerEntity{
		{ID: 0, Name: "APSS", Type: Subsystem},
		{ID: 1, Name: "MPSS", Type: Subsystem},
		{ID: 2, Name: "SoC", Type: PowerDomain},
	}, r.List())
	assert.Equal(t, "0:APSS, 1:MPSS, 2:SoC", r.String())
}

func TestRegistryAddErrors(t *testing.T) {
	r := NewRegistry()
	_, err := r.Add("APSS", Subsystem)
	require.NoError(t, err)

	t.Run("duplicate name", func(t *testing.T) {
		_, err := r.Add("APSS", PowerDomain)
		assert.ErrorIs(t, err, residency.ErrConfig)
		assert.Contains(t, err.Error(), "already registered")
	})

	t.Run("empty name", func(t *testing.T) {
		_, err := r.Add("  ", Subsystem)
		assert.ErrorIs(t, err, residency.ErrConfig)
	})

	t.Run("invalid type", func(t *testing.T) {
		_, err := r.Add("GPU", Type(42))
		assert.ErrorIs(t, err, residency.ErrConfig)
	})

	t.Run("failed adds do not consume ids", func(t *testing.T) {
		id, err := r.Add("GPU", Subsystem)
		require.NoError(t, err)
		assert.Equal(t, uint32(1), id)
	})
}

func TestRegistrySeal(t *testing.T) {
	r := NewRegistry()
	_, err := r.Add("APSS", Subsystem)
	require.NoError(t, err)

	assert.False(t, r.Sealed())
	r.Seal()
	r.Seal()
	assert.True(t, r.Sealed())

	_, err = r.Add("MPSS", Subsystem)
	assert.ErrorIs(t, err, residency.ErrConfig)
	assert.Contains(t, err.Error(), "sealed")
	assert.Equal(t, 1, r.Len())
}

func TestRegistryListIsStable(t *testing.T) {
	r := NewRegistry()
	for i := range 10 {
		_, err := r.Add(fmt.Sprintf("entity-%d", i), Subsystem)
		require.NoError(t, err)
	}
	r.Seal()

	first := r.List()
	second := r.List()
	assert.Equal(t, first, second)

	seen := map[uint32]bool{}
	for _, e := range first {
		assert.False(t, seen[e.ID], "id %d reused", e.ID)
		seen[e.ID] = true
	}

	// callers must not be able to modify the registry through List
	first[0].Name = "changed"
	assert.Equal(t, "entity-0", r.List()[0].Name)
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	id, err := r.Add("GPU", Subsystem)
	require.NoError(t, err)

	got, ok := r.Lookup("GPU")
	assert.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = r.Lookup("nope")
	assert.False(t, ok)

	e, ok := r.Get(id)
	assert.True(t, ok)
	assert.Equal(t, "GPU", e.Name)

	_, ok = r.Get(99)
	assert.False(t, ok)
}

func TestRegistryConcurrentAdd(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = r.Add(fmt.Sprintf("e%d", i), Subsystem)
		}(i)
	}
	wg.Wait()
	r.Seal()

	entities := r.List()
	require.Len(t, entities, 50)
	for i, e := range entities {
		assert.Equal(t, uint32(i), e.ID)
	}
}

func TestParseType(t *testing.T) {
	tt := []struct {
		in      string
		want    Type
		wantErr bool
	}{
		{"subsystem", Subsystem, false},
		{"", Subsystem, false},
		{"POWER_DOMAIN", PowerDomain, false},
		{"power-domain", PowerDomain, false},
		{"rail", 0, true},
	}
	for _, tc := range tt {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseType(tc.in)
			if tc.wantErr {
				assert.ErrorIs(t, err, residency.ErrConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
	assert.Equal(t, "POWER_DOMAIN", PowerDomain.String())
	assert.Equal(t, "UNKNOWN", Type(7).String())
}
