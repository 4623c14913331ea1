package memory

import (
	"testing"

	"github.com/JakeFAU/parker/internal/archive"
	"github.com/JakeFAU/parker/internal/storage/storetest"
)

func TestRecordStoreContract(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(*testing.T) archive.Store {
		return NewRecordStore()
	})
}
