package outbox

import (
	"context"
	"errors"
	"testing"

	"cv-analyzer-go/internal/constants"
	"cv-analyzer-go/internal/storage/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFailer struct {
	failed map[string]string
	err    error
}

func newFakeFailer() *fakeFailer {
	return &fakeFailer{failed: make(map[string]string)}
}

func (f *fakeFailer) MarkFailed(ctx context.Context, resumeID, userMessage string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if _, ok := f.failed[resumeID]; ok {
		return false, nil
	}
	f.failed[resumeID] = userMessage
	return true, nil
}

func TestRecordPublishFailureKeepsRetrying(t *testing.T) {
	failer := newFakeFailer()
	r := NewMessageRelay(nil, nil, failer)
	msg := &models.OutboxMessage{AggregateID: "resume-1", Status: "PENDING"}

	for i := 0; i < maxRetryCount-1; i++ {
		r.recordPublishFailure(context.Background(), msg, errors.New("broker unreachable"))
	}

	assert.Equal(t, "PENDING", msg.Status, "未到重试上限时消息保持待发布")
	assert.Equal(t, maxRetryCount-1, msg.RetryCount)
	assert.Equal(t, "broker unreachable", msg.ErrorMessage)
	assert.Empty(t, failer.failed)
}

func TestRecordPublishFailureExhaustionFailsResume(t *testing.T) {
	failer := newFakeFailer()
	r := NewMessageRelay(nil, nil, failer)
	msg := &models.OutboxMessage{AggregateID: "resume-1", Status: "PENDING"}

	for i := 0; i < maxRetryCount; i++ {
		r.recordPublishFailure(context.Background(), msg, errors.New("broker unreachable"))
	}

	assert.Equal(t, "FAILED", msg.Status)
	// 简历不能停留在PENDING，用户收到的是通用失败信息
	require.Contains(t, failer.failed, "resume-1")
	assert.Equal(t, constants.GenericFailureMessage, failer.failed["resume-1"])
}

func TestRecordPublishFailureWithoutFailer(t *testing.T) {
	r := NewMessageRelay(nil, nil, nil)
	msg := &models.OutboxMessage{AggregateID: "resume-1", Status: "PENDING", RetryCount: maxRetryCount - 1}

	r.recordPublishFailure(context.Background(), msg, errors.New("broker unreachable"))

	assert.Equal(t, "FAILED", msg.Status)
}
