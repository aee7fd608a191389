package fs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// End to end through the public surface: the background processor picks the
// upload up on its own.
func TestShareWriteBehind(t *testing.T) {
	mock := newMockRemote()
	share, err := NewShare(mock, Options{
		LocalPath:     t.TempDir(),
		TickInterval:  20 * time.Millisecond,
		RetryInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	file, err := share.Tree().CreateFile("/hello.txt")
	require.NoError(t, err)
	_, err = file.WriteAt([]byte("hello world"), 0)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	assert.Eventually(t, func() bool {
		return mock.countCalls("CREATE /hello.txt") == 1 && share.Stats().PendingRequests == 0
	}, 5*time.Second, 10*time.Millisecond, "processor should drain the upload in the background")

	remoteFile := mock.getFile("/hello.txt")
	require.NotNil(t, remoteFile)
	assert.Equal(t, []byte("hello world"), remoteFile.content)

	require.NoError(t, share.Disconnect())
}

// Queued requests survive a disconnect and drain after the next connect.
func TestShareQueueSurvivesRestart(t *testing.T) {
	localPath := t.TempDir()
	mock := newMockRemote()
	mock.failWith("CREATE /pending.txt", 500)

	share, err := NewShare(mock, Options{
		LocalPath:     localPath,
		TickInterval:  20 * time.Millisecond,
		RetryInterval: time.Hour, // park the request until "restart"
		MaxRetries:    100,
	})
	require.NoError(t, err)

	file, err := share.Tree().CreateFile("/pending.txt")
	require.NoError(t, err)
	_, err = file.WriteAt([]byte("later"), 0)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	// give the background processor a chance to fail the first attempt
	assert.Eventually(t, func() bool {
		request := share.Queue().Get("/pending.txt")
		return request != nil && request.Retries >= 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, share.Disconnect())

	// reconnect against a healthy remote
	mock.clearFailures()
	share, err = NewShare(mock, Options{
		LocalPath:     localPath,
		TickInterval:  20 * time.Millisecond,
		RetryInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NotNil(t, share.Queue().Get("/pending.txt"),
		"pending request should have been restored from disk")

	// the parked backoff stamp also survived; clear it so the request is
	// due immediately
	require.NoError(t, share.Queue().SetRetries("/pending.txt", 0, 0))

	assert.Eventually(t, func() bool {
		remoteFile := mock.getFile("/pending.txt")
		return remoteFile != nil && string(remoteFile.content) == "later"
	}, 5*time.Second, 10*time.Millisecond, "restored request should drain after reconnect")

	require.NoError(t, share.Disconnect())
}

// Disconnect cancels outstanding download waiters.
func TestShareDisconnectCancelsWaiters(t *testing.T) {
	mock := newMockRemote()
	share, err := NewShare(mock, Options{
		LocalPath:    t.TempDir(),
		TickInterval: time.Hour,
	})
	require.NoError(t, err)

	require.True(t, share.downloads.Begin("/slow"))
	waiter := share.downloads.Wait("/slow")

	require.NoError(t, share.Disconnect())
	assert.ErrorIs(t, <-waiter, ErrCancelled)
}
