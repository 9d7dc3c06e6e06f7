package methods

import (
	"context"

	"go.uber.org/zap"

	"github.com/matheus3301/inline/internal/fanout"
	"github.com/matheus3301/inline/internal/protocol"
	"github.com/matheus3301/inline/internal/realtime"
)

func (s *Service) GetUserSettings(ctx context.Context, cc realtime.CallContext, _ *protocol.Empty) (*protocol.GetUserSettingsResult, error) {
	general, err := s.db.GetUserSettings(ctx, cc.UserID)
	if err != nil {
		return nil, err
	}
	return &protocol.GetUserSettingsResult{Settings: protocol.UserSettings{General: general}}, nil
}

// UpdateUserSettings replaces the settings document and tells the user's
// other sessions.
func (s *Service) UpdateUserSettings(ctx context.Context, cc realtime.CallContext, in *protocol.UpdateUserSettingsInput) (*protocol.UpdatesResult, error) {
	if err := s.db.SetUserSettings(ctx, cc.UserID, in.Settings.General); err != nil {
		return nil, err
	}
	general, err := s.db.GetUserSettings(ctx, cc.UserID)
	if err != nil {
		return nil, err
	}
	updates := []protocol.Update{protocol.UserSettingsChanged{Settings: protocol.UserSettings{General: general}}}
	if err := s.pusher.PushToUser(ctx, cc.UserID, updates, fanoutExclude(cc)); err != nil {
		s.logger.Warn("push settings", zap.Int64("user", cc.UserID), zapErr(err))
	}
	return &protocol.UpdatesResult{Updates: updates}, nil
}

func fanoutExclude(cc realtime.CallContext) fanout.PushOptions {
	return fanout.PushOptions{ExcludeSession: cc.SessionID}
}

func zapChat(id int64) zap.Field { return zap.Int64("chat", id) }
func zapErr(err error) zap.Field { return zap.Error(err) }
