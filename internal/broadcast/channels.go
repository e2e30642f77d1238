package broadcast

import (
	"context"
	"errors"

	"castbot/internal/eventbus"
	"castbot/internal/storage"
	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

// HandleMembership keeps the destination table in sync with the bot's own
// membership changes. Gaining admin rights registers a destination, losing
// them deactivates it.
func (s *Service) HandleMembership(ctx context.Context, m kit.Membership) error {
	if s.store == nil {
		return nil
	}
	log := s.log.With(logx.Int64("chat_id", m.ChatID), logx.String("status", string(m.NewStatus)))

	switch m.NewStatus {
	case kit.MemberAdministrator, kit.MemberCreator:
		if m.ChatKind == kit.ChatPrivate {
			return nil
		}
		ch, err := s.store.UpsertChannel(ctx, storage.Channel{ChatID: m.ChatID, Title: m.Title, Kind: m.ChatKind, Active: true})
		if err != nil {
			return err
		}
		log.Info("destination connected", logx.String("title", ch.Title), logx.String("kind", string(ch.Kind)))
		eventbus.Publish(s.bus, eventbus.TypeChannelConnected, eventbus.ChannelEvent{ChatID: ch.ChatID, Kind: string(ch.Kind), Title: ch.Title})
		s.audit(ctx, storage.AuditEntry{ActorID: m.FromID, ChatID: m.ChatID, Action: "channel.connect", OK: 1}, nil)
	default:
		if err := s.store.DeactivateChannel(ctx, m.ChatID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				log.Debug("membership change for unknown destination")
				return nil
			}
			return err
		}
		log.Info("destination deactivated", logx.String("title", m.Title))
		eventbus.Publish(s.bus, eventbus.TypeChannelLost, eventbus.ChannelEvent{ChatID: m.ChatID, Kind: string(m.ChatKind), Title: m.Title})
		s.audit(ctx, storage.AuditEntry{ActorID: m.FromID, ChatID: m.ChatID, Action: "channel.deactivate", OK: 1}, nil)
	}
	return nil
}

// ActiveTargets lists every destination that can currently receive broadcasts.
func (s *Service) ActiveTargets(ctx context.Context) ([]Target, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	chans, err := s.store.ListActiveChannels(ctx)
	if err != nil {
		return nil, err
	}
	return targetsOf(chans), nil
}

// ResolveTargets maps selected chat IDs to active destinations, dropping
// any that are unknown or no longer active.
func (s *Service) ResolveTargets(ctx context.Context, chatIDs []int64) ([]Target, error) {
	if len(chatIDs) == 0 {
		return nil, nil
	}
	if s.store == nil {
		return nil, ErrNoStore
	}
	chans, err := s.store.ChannelsByChatIDs(ctx, chatIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]storage.Channel, len(chans))
	for _, c := range chans {
		if c.Active {
			byID[c.ChatID] = c
		}
	}
	ordered := make([]storage.Channel, 0, len(chatIDs))
	for _, id := range chatIDs {
		if c, ok := byID[id]; ok {
			ordered = append(ordered, c)
		}
	}
	return targetsOf(ordered), nil
}

func targetsOf(chans []storage.Channel) []Target {
	out := make([]Target, 0, len(chans))
	for _, c := range chans {
		out = append(out, Target{ChatID: c.ChatID, Kind: c.Kind, Title: c.Title})
	}
	return out
}
