package memory

import (
	"testing"

	"github.com/srvo/dewey/internal/repository"
	"github.com/srvo/dewey/internal/repository/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) repository.Store {
		return NewStore()
	})
}
