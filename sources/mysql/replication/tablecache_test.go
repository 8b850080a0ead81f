package replication

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/artie-labs/binlogd/sources/mysql/filter"
)

func TestTableCache_Resolve(t *testing.T) {
	s := newFakeStore().schema
	f, err := filter.New("blacklist: shop.orders", "binlogd")
	assert.NoError(t, err)

	{
		cache := NewTableCache(nil)
		table, err := cache.Resolve(s, 10, "shop", "orders")
		assert.NoError(t, err)
		assert.Equal(t, "orders", table.Name)
		assert.Equal(t, 1, cache.Len())

		// The id now points to another table
		table, err = cache.Resolve(s, 10, "binlogd", "heartbeats")
		assert.NoError(t, err)
		assert.Equal(t, "heartbeats", table.Name)
		assert.Equal(t, 1, cache.Len())

		cache.Invalidate()
		assert.Equal(t, 0, cache.Len())
	}
	{
		// Blacklisted tables resolve to nothing, even when they are missing from the schema
		cache := NewTableCache(f)
		table, err := cache.Resolve(s, 10, "shop", "orders")
		assert.NoError(t, err)
		assert.Nil(t, table)

		table, err = cache.Resolve(s, 11, "mysql", "rds_heartbeat2")
		assert.NoError(t, err)
		assert.Nil(t, table)
	}
	{
		cache := NewTableCache(nil)
		_, err := cache.Resolve(s, 12, "shop", "ghosts")
		assert.ErrorIs(t, err, ErrSchemaResolution)
		assert.ErrorContains(t, err, `"shop"."ghosts" (table id 12)`)
	}
}
