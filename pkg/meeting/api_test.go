package meeting

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LingByte/LingMeet/pkg/errors"
	"github.com/LingByte/LingMeet/pkg/store"
)

func TestCreateAndValidateMeeting(t *testing.T) {
	st := store.NewMemStore()
	defer st.Close()
	ctx := context.Background()

	meetingID, err := CreateMeeting(ctx, st)
	require.NoError(t, err)
	require.NotEmpty(t, meetingID)

	doc, err := st.Get(ctx, meetingsPath(), meetingID)
	require.NoError(t, err)
	assert.Equal(t, "active", doc.Data["status"])
	_, ok := doc.Data["createdAt"].(time.Time)
	assert.True(t, ok, "createdAt should be a resolved server timestamp")

	assert.NoError(t, ValidateMeeting(ctx, st, meetingID))
}

func TestValidateMeetingNotFound(t *testing.T) {
	st := store.NewMemStore()
	defer st.Close()

	err := ValidateMeeting(context.Background(), st, "no-such-meeting")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeMeetingNotFound))
}

func TestEndMeeting(t *testing.T) {
	st := store.NewMemStore()
	defer st.Close()
	ctx := context.Background()

	meetingID, err := CreateMeeting(ctx, st)
	require.NoError(t, err)
	require.NoError(t, EndMeeting(ctx, st, meetingID))

	doc, err := st.Get(ctx, meetingsPath(), meetingID)
	require.NoError(t, err)
	assert.Equal(t, "ended", doc.Data["status"])
	assert.NotNil(t, doc.Data["endedAt"])

	// 已结束的会议不能再加入
	err = ValidateMeeting(ctx, st, meetingID)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeMeetingEnded))
}

func TestEndMeetingNotFound(t *testing.T) {
	st := store.NewMemStore()
	defer st.Close()

	err := EndMeeting(context.Background(), st, "no-such-meeting")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeMeetingNotFound))
}
