package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/review-orchestrator/internal/domain"
	"github.com/helixir/review-orchestrator/internal/resilience"
)

func allExecutors(modify func(*fakeExecutor)) []StageExecutor {
	var out []StageExecutor
	for _, s := range domain.StageOrder() {
		f := &fakeExecutor{stage: s}
		if modify != nil {
			modify(f)
		}
		out = append(out, WithRetry(f, resilience.DefaultRetryPolicy()))
	}
	return out
}

func TestNewRegistry(t *testing.T) {
	reg, err := NewRegistry(allExecutors(nil)...)
	require.NoError(t, err)

	for _, s := range domain.StageOrder() {
		e, ok := reg.Get(s)
		require.True(t, ok)
		assert.Equal(t, s, e.Stage())
	}
	_, ok := reg.Get("bogus")
	assert.False(t, ok)
	assert.Panics(t, func() { reg.MustGet("bogus") })
}

func TestNewRegistry_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		execs   func() []StageExecutor
		wantErr string
	}{
		{
			name:    "missing stage",
			execs:   func() []StageExecutor { return allExecutors(nil)[:11] },
			wantErr: "missing executors for stages: discussion",
		},
		{
			name: "duplicate stage",
			execs: func() []StageExecutor {
				execs := allExecutors(nil)
				return append(execs, WithRetry(&fakeExecutor{stage: domain.StageSearch}, resilience.DefaultRetryPolicy()))
			},
			wantErr: "duplicate executor for stage search",
		},
		{
			name: "unknown stage",
			execs: func() []StageExecutor {
				return append(allExecutors(nil), WithRetry(&fakeExecutor{stage: "peer_review"}, resilience.DefaultRetryPolicy()))
			},
			wantErr: `unknown stage "peer_review"`,
		},
		{
			name: "requires later stage",
			execs: func() []StageExecutor {
				return allExecutors(func(f *fakeExecutor) {
					if f.stage == domain.StageScreen {
						f.requires = []domain.Stage{domain.StageExtract}
					}
				})
			},
			wantErr: "stage screen requires extract, which does not run before it",
		},
		{
			name: "requires itself",
			execs: func() []StageExecutor {
				return allExecutors(func(f *fakeExecutor) {
					if f.stage == domain.StageTables {
						f.requires = []domain.Stage{domain.StageTables}
					}
				})
			},
			wantErr: "stage tables requires tables",
		},
		{
			name:    "nil executor",
			execs:   func() []StageExecutor { return append(allExecutors(nil), nil) },
			wantErr: "nil executor",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.execs()...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
