package dbftmemstore_test

import (
	"testing"

	"github.com/gordian-engine/dbft/dbft/dbftstore"
	"github.com/gordian-engine/dbft/dbft/dbftstore/dbftmemstore"
	"github.com/gordian-engine/dbft/dbft/dbftstore/dbftstoretest"
)

func TestContextStoreCompliance(t *testing.T) {
	t.Parallel()

	dbftstoretest.TestContextStoreCompliance(t, func(*testing.T) dbftstore.ContextStore {
		return dbftmemstore.NewContextStore()
	})
}
