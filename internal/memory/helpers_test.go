package memory

import (
	"github.com/tessellate-ai/ltm/internal/kvstore"
)

func newTestKV() *kvstore.MemStore { return kvstore.NewMemStore() }

func f64(v float64) *float64 { return &v }

func str(s string) *string { return &s }
