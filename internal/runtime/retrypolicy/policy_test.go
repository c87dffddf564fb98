package retrypolicy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sequence(outcomes ...Outcome) (func(n uint) Outcome, *[]uint) {
	var seen []uint
	return func(n uint) Outcome {
		seen = append(seen, n)
		if int(n) > len(outcomes) {
			return Outcome{Status: 200}
		}
		return outcomes[n-1]
	}, &seen
}

func TestPolicyRun(t *testing.T) {
	policy := Policy{MaxAttempts: 2, Backoff: 20 * time.Millisecond, NonRetryableStatuses: []int{400, 401, 403, 404}}
	netErr := errors.New("dial tcp: connection refused")

	tests := []struct {
		name         string
		outcomes     []Outcome
		wantAttempts uint
		wantSuccess  bool
		wantStatus   int
		wantError    string
		minElapsed   time.Duration
	}{
		{
			name:         "first attempt succeeds",
			outcomes:     []Outcome{{Status: 200}},
			wantAttempts: 1,
			wantSuccess:  true,
			wantStatus:   200,
		},
		{
			name:         "non-retryable status stops immediately",
			outcomes:     []Outcome{{Status: 403}, {Status: 200}},
			wantAttempts: 1,
			wantStatus:   403,
			wantError:    "HTTP 403",
		},
		{
			name:         "retryable status pauses then succeeds",
			outcomes:     []Outcome{{Status: 500}, {Status: 200}},
			wantAttempts: 2,
			wantSuccess:  true,
			wantStatus:   200,
			minElapsed:   20 * time.Millisecond,
		},
		{
			name:         "retryable status exhausts budget",
			outcomes:     []Outcome{{Status: 503}, {Status: 502}},
			wantAttempts: 2,
			wantStatus:   502,
			wantError:    "HTTP 502",
			minElapsed:   20 * time.Millisecond,
		},
		{
			name:         "network errors are always retried",
			outcomes:     []Outcome{{Err: netErr}, {Err: netErr}},
			wantAttempts: 2,
			wantError:    netErr.Error(),
		},
		{
			name:         "network error then definitive rejection",
			outcomes:     []Outcome{{Err: netErr}, {Status: 404}},
			wantAttempts: 2,
			wantStatus:   404,
			wantError:    "HTTP 404",
		},
		{
			name:         "any 2xx counts as success",
			outcomes:     []Outcome{{Status: 204}},
			wantAttempts: 1,
			wantSuccess:  true,
			wantStatus:   204,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			attempt, seen := sequence(tc.outcomes...)
			start := time.Now()
			result := policy.Run(context.Background(), attempt)
			elapsed := time.Since(start)

			require.Equal(t, tc.wantAttempts, result.Attempts)
			require.Equal(t, tc.wantSuccess, result.Success)
			require.Equal(t, tc.wantStatus, result.LastStatus)
			require.Equal(t, tc.wantError, result.LastError)
			require.GreaterOrEqual(t, elapsed, tc.minElapsed)

			want := make([]uint, 0, tc.wantAttempts)
			for n := uint(1); n <= tc.wantAttempts; n++ {
				want = append(want, n)
			}
			require.Equal(t, want, *seen)
		})
	}
}

func TestPolicyRunNetworkErrorsDoNotWait(t *testing.T) {
	policy := Policy{MaxAttempts: 3, Backoff: time.Second}
	attempt, _ := sequence(Outcome{Err: errors.New("timeout")}, Outcome{Err: errors.New("timeout")}, Outcome{Err: errors.New("timeout")})

	start := time.Now()
	result := policy.Run(context.Background(), attempt)

	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.Equal(t, uint(3), result.Attempts)
	require.False(t, result.Success)
}

func TestPolicyRunStopsOnCancel(t *testing.T) {
	policy := Policy{MaxAttempts: 2, Backoff: time.Minute}
	ctx, cancel := context.WithCancel(context.Background())
	attempt := func(n uint) Outcome {
		cancel()
		return Outcome{Status: 500}
	}

	start := time.Now()
	result := policy.Run(ctx, attempt)

	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, uint(1), result.Attempts)
	require.Equal(t, "HTTP 500", result.LastError)
}

func TestPolicyRunAlreadyCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := Default().Run(ctx, func(uint) Outcome {
		t.Fatal("attempt must not run")
		return Outcome{}
	})
	require.Zero(t, result.Attempts)
	require.Equal(t, context.Canceled.Error(), result.LastError)
}

func TestPolicyZeroAttemptsRunsOnce(t *testing.T) {
	attempt, seen := sequence(Outcome{Status: 500})
	result := Policy{}.Run(context.Background(), attempt)
	require.Equal(t, uint(1), result.Attempts)
	require.Equal(t, []uint{1}, *seen)
}

func TestDefault(t *testing.T) {
	policy := Default()
	require.Equal(t, uint(2), policy.MaxAttempts)
	require.Equal(t, 200*time.Millisecond, policy.Backoff)
	for _, status := range []int{400, 401, 403, 404} {
		require.False(t, policy.Retryable(status))
	}
	for _, status := range []int{429, 500, 502, 503} {
		require.True(t, policy.Retryable(status))
	}
}
