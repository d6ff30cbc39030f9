package domain

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachmentTransitions(t *testing.T) {
	tests := []struct {
		from, to AttachmentStatus
		ok       bool
	}{
		{StatusPending, StatusDownloading, true},
		{StatusPending, StatusSkipped, true},
		{StatusPending, StatusCompleted, false},
		{StatusDownloading, StatusCompleted, true},
		{StatusDownloading, StatusFailed, true},
		{StatusDownloading, StatusPending, false},
		{StatusCompleted, StatusDownloading, false},
		{StatusFailed, StatusPending, false},
		{StatusSkipped, StatusDownloading, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			a := AttachmentDescriptor{ID: "a", Status: tt.from}
			err := a.Transition(tt.to)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.to, a.Status)
			} else {
				require.Error(t, err)
				assert.Equal(t, tt.from, a.Status)
			}
		})
	}
}

func TestSessionRecompute(t *testing.T) {
	s := DownloadSession{Files: []AttachmentDescriptor{
		{Status: StatusCompleted},
		{Status: StatusSkipped},
		{Status: StatusDownloading, BytesDownloaded: 50, BytesTotal: 100},
		{Status: StatusPending},
	}}
	s.Recompute()

	assert.Equal(t, 1, s.Completed)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, 0, s.Failed)
	assert.InDelta(t, 2.5/4, s.OverallProgress, 1e-9)
}

func TestAttachmentRowRoundTrip(t *testing.T) {
	a := AttachmentDescriptor{ID: "x1", Link: "http://p/1", DownloadURL: "http://p/1.pdf", FileName: "1.pdf", Status: StatusCompleted, BytesDownloaded: 10, BytesTotal: 10, RetryCount: 2}
	row := Row{}
	for i, col := range AttachmentColumns {
		row[col] = a.Values()[i]
	}
	got := AttachmentFromRow(row)
	assert.Equal(t, a, got)
}

func TestErrorKind(t *testing.T) {
	err := NewError(KindTransientNetwork, "download", io.ErrUnexpectedEOF)
	wrapped := errors.Join(errors.New("outer"), err)

	assert.Equal(t, KindTransientNetwork, KindOf(wrapped))
	assert.True(t, Retryable(err))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Nil(t, NewError(KindLocalIO, "x", nil))
}

func TestHasKind(t *testing.T) {
	transient := NewError(KindTransientNetwork, "get", io.ErrUnexpectedEOF)
	mismatch := NewError(KindProtocolMismatch, "https upgrade", io.EOF)
	joined := fmt.Errorf("giving up: %w", errors.Join(transient, mismatch))

	assert.True(t, HasKind(joined, KindProtocolMismatch))
	assert.True(t, HasKind(joined, KindTransientNetwork))
	assert.Equal(t, KindTransientNetwork, KindOf(joined))
	assert.False(t, HasKind(transient, KindProtocolMismatch))
	assert.False(t, HasKind(nil, KindLocalIO))
}
