package memory

import (
	"testing"

	"github.com/JakeFAU/channel-crawler/internal/storage/storetest"
	"github.com/JakeFAU/channel-crawler/internal/store"
)

func TestStoreContract(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(*testing.T) store.Store { return NewStore() })
}
