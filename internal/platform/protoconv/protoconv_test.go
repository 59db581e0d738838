package protoconv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	ID      string     `json:"id"`
	Order   int        `json:"order"`
	Urgent  bool       `json:"urgent"`
	Owner   *string    `json:"owner,omitempty"`
	At      time.Time  `json:"at"`
	Removed *time.Time `json:"removed,omitempty"`
}

func TestStructConversionKeepsTypedFields(t *testing.T) {
	owner := "emp-1"
	in := sample{ID: "i-1", Order: 2, Urgent: true, Owner: &owner, At: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}

	s, err := ToStruct(in)
	require.NoError(t, err)
	assert.Equal(t, 2.0, s.Fields["order"].GetNumberValue())
	assert.NotContains(t, s.Fields, "removed")

	var out sample
	require.NoError(t, FromStruct(s, &out))
	assert.Equal(t, in, out)
}

func TestToStructRejectsNonObjects(t *testing.T) {
	_, err := ToStruct([]int{1, 2})
	assert.Error(t, err)
}

func TestFromStructNil(t *testing.T) {
	out := sample{ID: "keep"}
	require.NoError(t, FromStruct(nil, &out))
	assert.Equal(t, "keep", out.ID)
}
