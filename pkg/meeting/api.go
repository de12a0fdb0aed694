package meeting

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/LingByte/LingMeet/pkg/constants"
	"github.com/LingByte/LingMeet/pkg/errors"
	"github.com/LingByte/LingMeet/pkg/logger"
	"github.com/LingByte/LingMeet/pkg/store"
)

// CreateMeeting writes a new meeting header document and returns its id.
func CreateMeeting(ctx context.Context, st store.Store) (string, error) {
	meetingID := uuid.NewString()
	err := st.Set(ctx, meetingsPath(), meetingID, map[string]interface{}{
		"createdAt": store.ServerTimestamp,
		"status":    constants.MeetingStatusActive,
	})
	if err != nil {
		return "", errors.WrapError(errors.ErrCodeStoreUnavailable, err)
	}
	logger.Info("meeting created", zap.String("meetingId", meetingID))
	return meetingID, nil
}

// ValidateMeeting checks that the meeting exists and is still active.
func ValidateMeeting(ctx context.Context, st store.Store, meetingID string) error {
	doc, err := st.Get(ctx, meetingsPath(), meetingID)
	if err == store.ErrNotFound {
		return errors.NewAppErrorf(errors.ErrCodeMeetingNotFound, "meeting %s not found", meetingID)
	}
	if err != nil {
		return errors.WrapError(errors.ErrCodeStoreUnavailable, err)
	}
	if cast.ToString(doc.Data["status"]) != constants.MeetingStatusActive {
		return errors.NewAppErrorf(errors.ErrCodeMeetingEnded, "meeting %s has ended", meetingID)
	}
	return nil
}

// EndMeeting marks the meeting ended. Participants still joined observe
// the status change on their next validation; live sessions are not
// forcibly torn down.
func EndMeeting(ctx context.Context, st store.Store, meetingID string) error {
	err := st.Update(ctx, meetingsPath(), meetingID, map[string]interface{}{
		"status":  constants.MeetingStatusEnded,
		"endedAt": time.Now().UTC(),
	})
	if err == store.ErrNotFound {
		return errors.NewAppErrorf(errors.ErrCodeMeetingNotFound, "meeting %s not found", meetingID)
	}
	if err != nil {
		return errors.WrapError(errors.ErrCodeStoreUnavailable, err)
	}
	logger.Info("meeting ended", zap.String("meetingId", meetingID))
	return nil
}
