package money

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArithmeticAvoidsFloatDrift(t *testing.T) {
	total := Zero
	for i := 0; i < 10; i++ {
		total = total.Add(MustParse("0.1"))
	}
	require.True(t, total.Equal(FromInt(1)), "got %s", total)

	require.Equal(t, "0.30", MustParse("0.1").Add(MustParse("0.2")).String())
	require.Equal(t, "-50.00", FromInt(100).Sub(FromInt(150)).String())
	require.Equal(t, "15000.00", FromInt(150000).MulRate(0.10).String())
}

func TestDivAndRound(t *testing.T) {
	third, err := FromInt(100).Div(FromInt(3))
	require.NoError(t, err)
	require.Equal(t, "33.33", third.Cents().String())

	_, err = FromInt(1).Div(Zero)
	require.ErrorIs(t, err, ErrDivisionByZero)

	require.Equal(t, "2.35", MustParse("2.345").Round(2).String())
	require.Equal(t, "-2.35", MustParse("-2.345").Round(2).String())
}

func TestEqualWithin(t *testing.T) {
	a := MustParse("100.00")
	require.True(t, a.EqualWithin(MustParse("100.01"), Tolerance))
	require.True(t, a.EqualWithin(MustParse("99.99"), Tolerance))
	require.False(t, a.EqualWithin(MustParse("100.02"), Tolerance))
}

func TestMinMaxSum(t *testing.T) {
	require.True(t, Max(FromInt(3), FromInt(-4)).Equal(FromInt(3)))
	require.True(t, Min(FromInt(3), FromInt(-4)).Equal(FromInt(-4)))
	require.True(t, Sum(FromInt(1), FromInt(2), FromInt(3)).Equal(FromInt(6)))
	require.True(t, Sum().IsZero())
}

func TestJSONKeepsPrecision(t *testing.T) {
	raw, err := json.Marshal(struct {
		V Amount `json:"v"`
	}{V: MustParse("150000.5")})
	require.NoError(t, err)
	require.JSONEq(t, `{"v":"150000.50"}`, string(raw))

	var decoded struct {
		A Amount `json:"a"`
		B Amount `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"12.34","b":56.7}`), &decoded))
	require.Equal(t, "12.34", decoded.A.String())
	require.Equal(t, "56.70", decoded.B.String())
}

func TestFormatFCFA(t *testing.T) {
	out := Format(FromInt(150000))
	require.True(t, strings.HasSuffix(out, " FCFA"), out)
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, out)
	require.Equal(t, "150000", digits)
}

func TestFormatKeepsDecimalDigits(t *testing.T) {
	digits := func(s string) string {
		return strings.Map(func(r rune) rune {
			if (r >= '0' && r <= '9') || r == ',' || r == '-' {
				return r
			}
			return -1
		}, s)
	}
	require.Equal(t, "1234,56", digits(Format(MustParse("1234.56"))))
	require.Equal(t, "-0,05", digits(Format(MustParse("-0.05"))))
	require.Equal(t, "-150000", digits(Format(FromInt(-150000))))
	require.Equal(t, "90071992547409,93", digits(Format(MustParse("90071992547409.93"))))
}
