package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"familychat-service/internal/logger"
	"familychat-service/internal/models"
	"familychat-service/internal/repositories"
)

var (
	ErrAuthRequired  = errors.New("authenticated user required")
	ErrEmptyMembers  = errors.New("at least one other member required")
	ErrMissingFamily = errors.New("family id required")
	ErrNotPrivate    = errors.New("chat is not private")
	ErrNotMember     = errors.New("user is not a chat member")
)

// Directory resolves which chats a user belongs to and caches peer display
// metadata for private chats.
type Directory struct {
	chats    repositories.ChatRepository
	messages repositories.MessageRepository
	profiles repositories.ProfileRepository

	mu        sync.RWMutex
	peerCache map[int]models.Profile
}

// New constructs a Directory.
func New(chats repositories.ChatRepository, messages repositories.MessageRepository, profiles repositories.ProfileRepository) *Directory {
	return &Directory{
		chats:     chats,
		messages:  messages,
		profiles:  profiles,
		peerCache: make(map[int]models.Profile),
	}
}

// ListChats returns the user's chats with batched last-message previews and
// peer metadata for private chats. A failed peer lookup leaves that chat's
// peer fields unset; it never fails the whole listing.
func (d *Directory) ListChats(ctx context.Context, userID int) ([]models.ChatSummary, error) {
	if userID <= 0 {
		return nil, ErrAuthRequired
	}

	chats, err := d.chats.ListChats(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	if len(chats) == 0 {
		return []models.ChatSummary{}, nil
	}

	ids := make([]int, 0, len(chats))
	for _, chat := range chats {
		ids = append(ids, chat.ID)
	}
	previews, err := d.messages.LatestMessages(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load previews: %w", err)
	}

	peerIDs := d.uncachedPeers(chats, userID)
	if len(peerIDs) > 0 {
		profiles, err := d.profiles.BulkProfiles(ctx, peerIDs)
		if err != nil {
			// non-fatal: chats are still listed without peer metadata
			logger.L().Warn("peer lookup failed", zap.Int("user_id", userID), zap.Error(err))
		} else {
			d.cacheProfiles(profiles)
		}
	}

	summaries := make([]models.ChatSummary, 0, len(chats))
	for _, chat := range chats {
		summary := models.ChatSummary{
			ChatID:    chat.ID,
			Kind:      chat.Kind,
			FamilyID:  chat.FamilyID,
			CreatedAt: chat.CreatedAt,
		}
		if msg, ok := previews[chat.ID]; ok {
			m := msg
			summary.LastMessage = &m
		}
		if peerID, ok := chat.Peer(userID); ok {
			summary.PeerID = peerID
			if profile, ok := d.cachedProfile(peerID); ok {
				summary.PeerName = profile.Name
				if profile.AvatarURL != nil {
					summary.PeerAvatar = *profile.AvatarURL
				}
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// ResolvePeer returns the display profile of the other member of a private
// chat. Repeated calls hit the cache; entries are never evicted, family
// sizes keep the cache small.
func (d *Directory) ResolvePeer(ctx context.Context, chat models.Chat, userID int) (models.Profile, error) {
	if userID <= 0 {
		return models.Profile{}, ErrAuthRequired
	}
	if !chat.HasMember(userID) {
		return models.Profile{}, ErrNotMember
	}
	peerID, ok := chat.Peer(userID)
	if !ok {
		return models.Profile{}, ErrNotPrivate
	}

	if profile, ok := d.cachedProfile(peerID); ok {
		return profile, nil
	}

	profile, err := d.profiles.GetProfile(ctx, peerID)
	if err != nil {
		return models.Profile{}, fmt.Errorf("resolve peer %d: %w", peerID, err)
	}
	d.cacheProfiles([]models.Profile{profile})
	return profile, nil
}

// CreateChat creates a chat for the user. Exactly one other member yields a
// private chat, which is deduplicated against an existing chat between the
// same pair; more members yield a group chat including the creator.
func (d *Directory) CreateChat(ctx context.Context, userID int, memberIDs []int, familyID int) (models.Chat, error) {
	if userID <= 0 {
		return models.Chat{}, ErrAuthRequired
	}
	if familyID <= 0 {
		return models.Chat{}, ErrMissingFamily
	}

	others := make([]int, 0, len(memberIDs))
	for _, id := range memberIDs {
		if id != userID {
			others = append(others, id)
		}
	}
	if len(others) == 0 {
		return models.Chat{}, ErrEmptyMembers
	}

	if len(others) == 1 {
		return d.chats.CreateOrGetPrivateChat(ctx, familyID, userID, others[0])
	}
	return d.chats.CreateGroupChat(ctx, familyID, append(others, userID))
}

// AddMember grows a chat's membership, used when a member joins the family.
func (d *Directory) AddMember(ctx context.Context, chatID int, userID int) error {
	if userID <= 0 {
		return ErrAuthRequired
	}
	return d.chats.AddMember(ctx, chatID, userID)
}

func (d *Directory) uncachedPeers(chats []models.Chat, userID int) []int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var ids []int
	for _, chat := range chats {
		if peerID, ok := chat.Peer(userID); ok {
			if _, cached := d.peerCache[peerID]; !cached {
				ids = append(ids, peerID)
			}
		}
	}
	return ids
}

func (d *Directory) cachedProfile(userID int) (models.Profile, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	profile, ok := d.peerCache[userID]
	return profile, ok
}

func (d *Directory) cacheProfiles(profiles []models.Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range profiles {
		d.peerCache[p.ID] = p
	}
}
