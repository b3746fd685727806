package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseFloat(t *testing.T) {
	testCases := []struct {
		in   string
		want float64
	}{
		{"1.23", 1.23},
		{"12.5%", 12.5},
		{" -3.1 % ", -3.1},
		{"$1,234.50", 1234.5},
		{"", 0},
		{"n/a", 0},
		{"NaN", 0},
		{"Inf", 0},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			assert.InDelta(t, tc.want, ParseFloat(tc.in), 1e-9)
		})
	}
}

func TestParseInt(t *testing.T) {
	testCases := []struct {
		in   string
		want int
	}{
		{"142", 142},
		{"1,024", 1024},
		{" 7 ", 7},
		{"12.9", 0},
		{"12.7", 0},
		{"150.0", 150},
		{"NaN", 0},
		{"1e40", 0},
		{"", 0},
		{"many", 0},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseInt(tc.in))
		})
	}
}
