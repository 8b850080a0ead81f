package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, "`foo`", QuoteIdentifier("foo"))
	assert.Equal(t, "`fo``o`", QuoteIdentifier("fo`o"))
	assert.Equal(t, "```foo`", QuoteIdentifier("`foo"))
}

func TestQuoteTableName(t *testing.T) {
	assert.Equal(t, "`shop`.`orders`", QuoteTableName("shop", "orders"))
	assert.Equal(t, "`sh``op`.`or.ders`", QuoteTableName("sh`op", "or.ders"))
}

func TestQuoteIdentifiers(t *testing.T) {
	assert.Equal(t, []string{}, QuoteIdentifiers(nil))
	assert.Equal(t, []string{"`a`", "`b`"}, QuoteIdentifiers([]string{"a", "b"}))
}
