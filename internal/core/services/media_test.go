package services

import (
	"context"
	"errors"
	"testing"

	"peercall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMediaManager_SharesStreamAcrossLeases(t *testing.T) {
	media := &fakeMedia{}
	manager := NewMediaManager(media, false, testLogger)

	first, err := manager.Acquire(context.Background())
	require.NoError(t, err)
	second, err := manager.Acquire(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, media.callCount())
	assert.Same(t, first.Stream(), second.Stream())

	first.Release()
	first.Release()
	assert.True(t, manager.Active())
	assert.Equal(t, 0, media.stream(0).stopCount())

	second.Release()
	assert.False(t, manager.Active())
	assert.Equal(t, 1, media.stream(0).stopCount())

	_, err = manager.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, media.callCount())
}

func TestMediaManager_RetainKeepsStreamUntilClose(t *testing.T) {
	media := &fakeMedia{}
	manager := NewMediaManager(media, true, testLogger)

	lease, err := manager.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release()

	assert.True(t, manager.Active())
	assert.Equal(t, 0, media.stream(0).stopCount())

	lease, err = manager.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, media.callCount())

	manager.Close()
	assert.Equal(t, 0, media.stream(0).stopCount(), "outstanding lease keeps the stream")

	lease.Release()
	assert.Equal(t, 1, media.stream(0).stopCount())

	_, err = manager.Acquire(context.Background())
	assert.ErrorIs(t, err, domain.ErrMediaAcquisition)
}

func TestMediaManager_AcquireFailure(t *testing.T) {
	media := &fakeMedia{err: errors.New("permission denied")}
	manager := NewMediaManager(media, false, testLogger)

	lease, err := manager.Acquire(context.Background())
	assert.Nil(t, lease)
	assert.ErrorIs(t, err, domain.ErrMediaAcquisition)
	assert.Contains(t, err.Error(), "permission denied")
	assert.False(t, manager.Active())

	var nilLease *MediaLease
	assert.NotPanics(t, nilLease.Release)
}
