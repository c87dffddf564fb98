package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublicMaxAge(t *testing.T) {
	require.Equal(t, "public, max-age=600", PublicMaxAge(10*time.Minute))
	require.Equal(t, "public, max-age=59", PublicMaxAge(59*time.Second+900*time.Millisecond))
	require.Equal(t, "public, max-age=0", PublicMaxAge(-time.Second))
}
