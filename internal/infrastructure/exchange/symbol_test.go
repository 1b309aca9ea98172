package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommonSymbolConverter(t *testing.T) {
	c := NewCommonSymbolConverter("usdt", "busd", "bnb", "eth", "btc")

	assert.Equal(t, "ABCBUSD", c.ToVenue("abc/busd"))
	assert.Equal(t, "ABCBUSD", c.ToVenue("ABCBUSD"))

	assert.Equal(t, "ABC/BUSD", c.FromVenue("abcbusd"))
	assert.Equal(t, "ABC/USDT", c.FromVenue("ABCUSDT"))
	assert.Equal(t, "ETH/BTC", c.FromVenue("ETHBTC"))
	assert.Equal(t, "BNB/ETH", c.FromVenue("BNBETH"))
	assert.Equal(t, "ABC/BUSD", c.FromVenue("ABC/BUSD"))
	assert.Equal(t, "BUSD", c.FromVenue("BUSD"), "a bare quote is not split")
	assert.Equal(t, "ABCEUR", c.FromVenue("ABCEUR"))
}
