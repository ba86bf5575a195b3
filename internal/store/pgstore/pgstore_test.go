package pgstore

import (
	"context"
	"os"
	"testing"

	"github.com/m-mizutani/gt"

	"github.com/lazypower/tether/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	url := os.Getenv("TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("TEST_POSTGRES_URL not set")
	}

	s, err := New(context.Background(), url)
	gt.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	storetest.Run(t, s)
}
