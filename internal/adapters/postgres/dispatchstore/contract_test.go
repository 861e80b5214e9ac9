package dispatchstore_test

import (
	"testing"

	"github.com/campus-loop/ride-dispatch-api/internal/adapters/contracttest"
	pgstore "github.com/campus-loop/ride-dispatch-api/internal/adapters/postgres/dispatchstore"
	"github.com/campus-loop/ride-dispatch-api/internal/adapters/postgres/testutil"
	storeport "github.com/campus-loop/ride-dispatch-api/internal/ports/out/dispatchstore"
)

func TestContract_PostgresDispatchStore(t *testing.T) {
	pool := testutil.OpenMigratedPool(t)

	contracttest.RunDispatchStore(t, func(t *testing.T) (storeport.Store, func()) {
		t.Helper()
		return pgstore.NewStore(pool), nil
	})
}
