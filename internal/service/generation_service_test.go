package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"genrelay/internal/infrastructure/runpod"
	"genrelay/internal/model"
	"genrelay/internal/repository"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newGenerationService(f *fixture, backend JobBackend, messenger *fakeMessenger, admission *Admission, timeout time.Duration) *GenerationService {
	return NewGenerationService(f.store, admission, backend, testWorkflow(), messenger, f.metrics,
		time.Millisecond, timeout, zap.NewNop())
}

func recordGeneration(t *testing.T, f *fixture, admission *Admission, prompt string) *model.Generation {
	t.Helper()
	require.NoError(t, admission.TryAdmit(42))
	_, err := f.store.GetUser(context.Background(), 42)
	require.NoError(t, err)
	gen, err := f.store.RecordGeneration(context.Background(), 42, prompt)
	require.NoError(t, err)
	return gen
}

func loadGeneration(t *testing.T, f *fixture, id int64) *model.Generation {
	t.Helper()
	gen, err := repository.NewGenerationRepository(f.db).GetByID(context.Background(), id)
	require.NoError(t, err)
	return gen
}

func TestGenerationDeliversImage(t *testing.T) {
	f := newFixture(t)
	messenger := &fakeMessenger{}
	admission := NewAdmission(1)
	backend := &fakeBackend{steps: []backendStep{
		{status: jobRunning},
		{err: errors.New("connection reset")},
		{status: jobCompleted},
	}}
	svc := newGenerationService(f, backend, messenger, admission, time.Second)

	prompt := strings.Repeat("a", 150)
	gen := recordGeneration(t, f, admission, prompt)
	svc.Run(context.Background(), 42, gen)

	photos := messenger.sentPhotos()
	require.Len(t, photos, 1)
	assert.Equal(t, []byte("img"), photos[0].image)
	assert.Equal(t, "✅ Complete!\n\n"+strings.Repeat("a", 100), photos[0].caption)

	require.Len(t, backend.submitted, 1)
	assert.Equal(t, prompt, backend.submitted[0][runpod.PromptNode]["inputs"].(map[string]interface{})["string_a"])
	assert.Equal(t, 3, backend.polled)

	stored := loadGeneration(t, f, gen.ID)
	assert.Equal(t, model.GenerationStatusCompleted, stored.Status)
	assert.Equal(t, "job-1", stored.JobID)
	assert.NotNil(t, stored.CompletedAt)

	user, err := f.store.GetUser(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(1), user.TotalGenerated)

	assert.Zero(t, admission.Active())
	assert.Zero(t, testutil.ToFloat64(f.metrics.ActiveGenerations))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Generations.WithLabelValues("completed")))
}

func TestGenerationJobFailure(t *testing.T) {
	f := newFixture(t)
	messenger := &fakeMessenger{}
	admission := NewAdmission(1)
	backend := &fakeBackend{steps: []backendStep{{status: jobFailed}}}
	svc := newGenerationService(f, backend, messenger, admission, time.Second)

	gen := recordGeneration(t, f, admission, "a cat")
	svc.Run(context.Background(), 42, gen)

	assert.Empty(t, messenger.sentPhotos())
	assert.Contains(t, messenger.last().Text, "❌ Generation failed")
	assert.Contains(t, messenger.last().Text, "out of memory")

	stored := loadGeneration(t, f, gen.ID)
	assert.Equal(t, model.GenerationStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "out of memory")

	user, err := f.store.GetUser(context.Background(), 42)
	require.NoError(t, err)
	assert.Zero(t, user.TotalGenerated)
	assert.Zero(t, admission.Active())
}

func TestGenerationPollTimeout(t *testing.T) {
	f := newFixture(t)
	messenger := &fakeMessenger{}
	admission := NewAdmission(1)
	backend := &fakeBackend{steps: []backendStep{{status: jobRunning}}}
	svc := newGenerationService(f, backend, messenger, admission, 30*time.Millisecond)

	gen := recordGeneration(t, f, admission, "a cat")
	svc.Run(context.Background(), 42, gen)

	stored := loadGeneration(t, f, gen.ID)
	assert.Equal(t, model.GenerationStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, ErrPollTimeout.Error())
	assert.Zero(t, admission.Active())
}

func TestGenerationSubmitFailure(t *testing.T) {
	f := newFixture(t)
	messenger := &fakeMessenger{}
	admission := NewAdmission(1)
	backend := &fakeBackend{submitErr: errors.New("401 unauthorized")}
	svc := newGenerationService(f, backend, messenger, admission, time.Second)

	gen := recordGeneration(t, f, admission, "a cat")
	svc.Run(context.Background(), 42, gen)

	assert.Equal(t, model.GenerationStatusFailed, loadGeneration(t, f, gen.ID).Status)
	assert.Zero(t, backend.polled)
	assert.Zero(t, admission.Active())
}

func TestGenerationCloseCancelsAfterGrace(t *testing.T) {
	f := newFixture(t)
	messenger := &fakeMessenger{}
	admission := NewAdmission(1)
	backend := &fakeBackend{steps: []backendStep{{status: jobRunning}}}
	svc := newGenerationService(f, backend, messenger, admission, time.Minute)

	gen := recordGeneration(t, f, admission, "a cat")
	svc.Start(42, gen)

	assert.Eventually(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return backend.polled > 0
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	svc.Close(ctx)
	assert.Equal(t, model.GenerationStatusFailed, loadGeneration(t, f, gen.ID).Status)
	assert.Zero(t, admission.Active())
}

func TestGenerationCloseWaitsForRunningJob(t *testing.T) {
	f := newFixture(t)
	messenger := &fakeMessenger{}
	admission := NewAdmission(1)
	backend := &fakeBackend{steps: []backendStep{
		{status: jobRunning},
		{status: jobRunning},
		{status: jobCompleted},
	}}
	svc := newGenerationService(f, backend, messenger, admission, time.Second)

	gen := recordGeneration(t, f, admission, "a lighthouse")
	svc.Start(42, gen)
	svc.Close(context.Background())

	require.Len(t, messenger.sentPhotos(), 1)
	assert.Equal(t, model.GenerationStatusCompleted, loadGeneration(t, f, gen.ID).Status)
	assert.Zero(t, admission.Active())
}
