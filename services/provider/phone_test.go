package provider

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"0991234567", "+243991234567"},
		{"099 123 45 67", "+243991234567"},
		{"(099) 123-4567", "+243991234567"},
		{"991234567", "+243991234567"},
		{"243991234567", "+243991234567"},
		{"+243991234567", "+243991234567"},
		{"+243 99 123 4567", "+243991234567"},
		{"00243991234567", "+243991234567"},
		{"", ""},
		{"abc", ""},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			require.Equal(t, tc.want, NormalizePhone(tc.raw, "243"))
		})
	}
}

func TestNormalizePhoneTrunkPrefix(t *testing.T) {
	for _, cc := range []string{"243", "+225", "254"} {
		got := NormalizePhone("0712345678", cc)
		want := "+" + cc[len(cc)-3:] + "712345678"
		require.Equal(t, want, got)
	}
}

func TestNationalNumber(t *testing.T) {
	require.Equal(t, "991234567", nationalNumber("+243991234567", "243"))
}

func TestMajorUnits(t *testing.T) {
	require.Equal(t, "25", majorUnits(2500).String())
	require.Equal(t, "29.50", majorUnits(2950).String())
	require.Equal(t, "0.05", majorUnits(5).String())
}
