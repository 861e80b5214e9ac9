package dispatchstore_test

import (
	"testing"

	"github.com/campus-loop/ride-dispatch-api/internal/adapters/contracttest"
	memstore "github.com/campus-loop/ride-dispatch-api/internal/adapters/memory/dispatchstore"
	storeport "github.com/campus-loop/ride-dispatch-api/internal/ports/out/dispatchstore"
)

func TestContract_MemoryDispatchStore(t *testing.T) {
	contracttest.RunDispatchStore(t, func(t *testing.T) (storeport.Store, func()) {
		t.Helper()
		return memstore.NewStore(), nil
	})
}
