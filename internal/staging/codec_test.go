package staging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuotesRoundTripKeepsPrecision(t *testing.T) {
	body, err := EncodeQuotes(testQuotes)
	require.NoError(t, err)
	assert.Contains(t, string(body), "symbol,price,currency,observed_at\n")
	assert.Contains(t, string(body), "AAPL,185.64,USD,2024-01-02T21:00:00Z\n")

	quotes, err := DecodeQuotes(body)
	require.NoError(t, err)
	require.Len(t, quotes, 2)
	assert.True(t, quotes[1].Price.Equal(testQuotes[1].Price))
	assert.Equal(t, testQuotes[1].ObservedAt, quotes[1].ObservedAt)
}

func TestEncodeRoster_QuotesCommas(t *testing.T) {
	body, err := EncodeRoster(testRoster)
	require.NoError(t, err)
	assert.Contains(t, string(body), `MSFT,"Microsoft, Corp",Information Technology`)
}

func TestEncodeEmpty(t *testing.T) {
	body, err := EncodeQuotes(nil)
	require.NoError(t, err)
	assert.Equal(t, "symbol,price,currency,observed_at\n", string(body))

	quotes, err := DecodeQuotes(body)
	require.NoError(t, err)
	assert.Empty(t, quotes)
}

func TestDecode_SchemaErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		roster bool
	}{
		{"empty", "", false},
		{"wrong header", "ticker,price,currency,observed_at\nAAPL,1,USD,2024-01-02T21:00:00Z\n", false},
		{"missing column", "symbol,price,currency\nAAPL,1,USD\n", false},
		{"short row", "symbol,price,currency,observed_at\nAAPL,1,USD\n", false},
		{"bad price", "symbol,price,currency,observed_at\nAAPL,abc,USD,2024-01-02T21:00:00Z\n", false},
		{"bad timestamp", "symbol,price,currency,observed_at\nAAPL,1,USD,yesterday\n", false},
		{"empty symbol", "symbol,price,currency,observed_at\n,1,USD,2024-01-02T21:00:00Z\n", false},
		{"roster missing company", "symbol,company_name,sector\nAAPL,,Tech\n", true},
		{"roster header", "symbol,name,sector\nAAPL,Apple,Tech\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			if tt.roster {
				_, err = DecodeRoster([]byte(tt.body))
			} else {
				_, err = DecodeQuotes([]byte(tt.body))
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrSchema)
		})
	}
}

func TestChecksum(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Checksum(nil))
	assert.NotEqual(t, Checksum([]byte("a")), Checksum([]byte("b")))
}
