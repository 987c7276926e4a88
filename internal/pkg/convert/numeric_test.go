package convert

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFloat64(t *testing.T) {
	cases := []struct {
		in   any
		want float64
		ok   bool
	}{
		{1.5, 1.5, true},
		{int64(3), 3, true},
		{json.Number("0.25"), 0.25, true},
		{" 42 ", 42, true},
		{"5%", 0.05, true},
		{"abc", 0, false},
		{nil, 0, false},
		{true, 0, false},
	}
	for _, tc := range cases {
		got, ok := Float64(tc.in)
		assert.Equal(t, tc.ok, ok, "%v", tc.in)
		assert.InDelta(t, tc.want, got, 1e-12, "%v", tc.in)
	}
	assert.Zero(t, ToFloat64("nope"))
}
