package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	testCases := []struct {
		name      string
		raw       string
		expected  string
		expectErr bool
	}{
		{name: "Plain mobile", raw: "81999990000", expected: "81999990000"},
		{name: "Formatted mobile", raw: "(81) 99999-0000", expected: "81999990000"},
		{name: "International prefix", raw: "+55 81 99999-0000", expected: "81999990000"},
		{name: "Country code without plus", raw: "5581999990000", expected: "81999990000"},
		{name: "Trunk prefix", raw: "081 99999 0000", expected: "81999990000"},
		{name: "Landline", raw: "81 3333-4444", expected: "8133334444"},
		{name: "Empty", raw: "   ", expectErr: true},
		{name: "Too short", raw: "12345", expectErr: true},
		{name: "Mobile without nine", raw: "81899990000", expectErr: true},
		{name: "Too long", raw: "81999990000123", expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizePhone(tc.raw)
			if tc.expectErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestNormalizeName(t *testing.T) {
	got, err := NormalizeName("  João   da\tSilva ")
	assert.NoError(t, err)
	assert.Equal(t, "João da Silva", got)

	_, err = NormalizeName(" \n ")
	assert.Error(t, err)

	long := make([]rune, maxNameLength+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err = NormalizeName(string(long))
	assert.Error(t, err)
}

func TestParseCustomer(t *testing.T) {
	c, err := ParseCustomer("João", "81999990000")
	assert.NoError(t, err)
	assert.Equal(t, Customer{Name: "João", Phone: "81999990000"}, c)

	_, err = ParseCustomer("", "81999990000")
	assert.EqualError(t, err, "name is required")

	_, err = ParseCustomer("João", "")
	assert.EqualError(t, err, "phone is required")
}
