package sqlstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/fenggwsx/RelayChat/internal/storage"
)

// CreateMessage persists msg with its attachments and unread set in one
// transaction. Unread marks are limited to current members other than the
// sender.
func (s *Store) CreateMessage(ctx context.Context, msg *storage.Message) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", storage.ErrInvalidArgument)
	}
	sentAt := msg.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	model := messageModel{
		Text:   msg.Text,
		SentAt: sentAt.UTC(),
		UserID: msg.UserID,
		ChatID: msg.ChatID,
	}
	var created storage.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := requireChat(tx, msg.ChatID); err != nil {
			return err
		}
		var members []uint
		if err := tx.Model(&membershipModel{}).Where("chat_id = ?", msg.ChatID).Pluck("user_id", &members).Error; err != nil {
			return err
		}
		if err := tx.Create(&model).Error; err != nil {
			return err
		}

		if len(msg.Files) > 0 {
			files := make([]sentFileModel, 0, len(msg.Files))
			for _, f := range msg.Files {
				files = append(files, sentFileModel{Link: f.Link, MessageID: model.ID})
			}
			if err := tx.Create(&files).Error; err != nil {
				return err
			}
		}

		unread := unreadRows(model.ID, msg.UnreadBy, members, msg.UserID)
		if len(unread) > 0 {
			if err := tx.Create(&unread).Error; err != nil {
				return err
			}
		}

		loaded, err := s.withDetails(tx, []messageModel{model})
		if err != nil {
			return err
		}
		created = loaded[0]
		return nil
	})
	if err != nil {
		return translate(err)
	}
	*msg = created
	return nil
}

func unreadRows(messageID uint, requested, members []uint, sender *uint) []unreadModel {
	member := make(map[uint]struct{}, len(members))
	for _, id := range members {
		member[id] = struct{}{}
	}
	rows := make([]unreadModel, 0, len(requested))
	for _, id := range dedupe(requested) {
		if sender != nil && id == *sender {
			continue
		}
		if _, ok := member[id]; !ok {
			continue
		}
		rows = append(rows, unreadModel{UserID: id, MessageID: messageID})
	}
	return rows
}

// GetMessage retrieves a message with its attachments and unread set.
func (s *Store) GetMessage(ctx context.Context, id uint) (*storage.Message, error) {
	tx := s.db.WithContext(ctx)
	var model messageModel
	if err := tx.Where("id = ?", id).Take(&model).Error; err != nil {
		return nil, translate(err)
	}
	loaded, err := s.withDetails(tx, []messageModel{model})
	if err != nil {
		return nil, translate(err)
	}
	return &loaded[0], nil
}

// UpdateMessageText replaces the text of a message.
func (s *Store) UpdateMessageText(ctx context.Context, id uint, text string) (*storage.Message, error) {
	var updated storage.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model messageModel
		if err := tx.Where("id = ?", id).Take(&model).Error; err != nil {
			return err
		}
		if err := tx.Model(&messageModel{}).Where("id = ?", id).Update("text", text).Error; err != nil {
			return err
		}
		model.Text = text
		loaded, err := s.withDetails(tx, []messageModel{model})
		if err != nil {
			return err
		}
		updated = loaded[0]
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}
	return &updated, nil
}

// DeleteMessage removes a message with its attachments and unread marks.
func (s *Store) DeleteMessage(ctx context.Context, id uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&messageModel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: message %d", storage.ErrNotFound, id)
		}
		if err := tx.Where("message_id = ?", id).Delete(&sentFileModel{}).Error; err != nil {
			return err
		}
		return tx.Where("message_id = ?", id).Delete(&unreadModel{}).Error
	})
	return translate(err)
}

// MessagesByChat returns one page of a chat's messages, newest first.
func (s *Store) MessagesByChat(ctx context.Context, chatID uint, limit, offset int) ([]storage.Message, error) {
	tx := s.db.WithContext(ctx)
	if _, err := requireChat(tx, chatID); err != nil {
		return nil, translate(err)
	}
	if limit <= 0 {
		return []storage.Message{}, nil
	}
	if offset < 0 {
		offset = 0
	}
	var models []messageModel
	err := tx.Where("chat_id = ?", chatID).
		Order("sent_at DESC").
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&models).Error
	if err != nil {
		return nil, translate(err)
	}
	messages, err := s.withDetails(tx, models)
	return messages, translate(err)
}

// LastMessage returns the most recent message of a chat, or nil when the chat
// has none.
func (s *Store) LastMessage(ctx context.Context, chatID uint) (*storage.Message, error) {
	messages, err := s.MessagesByChat(ctx, chatID, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, nil
	}
	return &messages[0], nil
}

// GetSentFile retrieves one attachment.
func (s *Store) GetSentFile(ctx context.Context, id uint) (*storage.SentFile, error) {
	var model sentFileModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&model).Error; err != nil {
		return nil, translate(err)
	}
	return &storage.SentFile{ID: model.ID, Link: model.Link, MessageID: model.MessageID}, nil
}

// MarkChatRead removes every message of chatID from userID's unread set.
func (s *Store) MarkChatRead(ctx context.Context, userID, chatID uint) error {
	tx := s.db.WithContext(ctx)
	chatMessages := tx.Model(&messageModel{}).Select("id").Where("chat_id = ?", chatID)
	err := tx.Where("user_id = ? AND message_id IN (?)", userID, chatMessages).Delete(&unreadModel{}).Error
	return translate(err)
}

// UnreadMessageIDs lists the messages userID has not read, ascending.
func (s *Store) UnreadMessageIDs(ctx context.Context, userID uint) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&unreadModel{}).
		Where("user_id = ?", userID).
		Order("message_id").
		Pluck("message_id", &ids).Error
	if err != nil {
		return nil, translate(err)
	}
	if ids == nil {
		ids = []uint{}
	}
	return ids, nil
}

func (s *Store) withDetails(tx *gorm.DB, models []messageModel) ([]storage.Message, error) {
	messages := make([]storage.Message, 0, len(models))
	if len(models) == 0 {
		return messages, nil
	}
	ids := make([]uint, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}

	var files []sentFileModel
	if err := tx.Where("message_id IN ?", ids).Order("id").Find(&files).Error; err != nil {
		return nil, err
	}
	var unread []unreadModel
	if err := tx.Where("message_id IN ?", ids).Find(&unread).Error; err != nil {
		return nil, err
	}

	filesByMessage := make(map[uint][]storage.SentFile, len(models))
	for _, f := range files {
		filesByMessage[f.MessageID] = append(filesByMessage[f.MessageID], storage.SentFile{
			ID:        f.ID,
			Link:      f.Link,
			MessageID: f.MessageID,
		})
	}
	unreadByMessage := make(map[uint][]uint, len(models))
	for _, u := range unread {
		unreadByMessage[u.MessageID] = append(unreadByMessage[u.MessageID], u.UserID)
	}

	for _, m := range models {
		readers := unreadByMessage[m.ID]
		sort.Slice(readers, func(i, j int) bool { return readers[i] < readers[j] })
		if readers == nil {
			readers = []uint{}
		}
		attached := filesByMessage[m.ID]
		if attached == nil {
			attached = []storage.SentFile{}
		}
		messages = append(messages, storage.Message{
			ID:       m.ID,
			Text:     m.Text,
			SentAt:   m.SentAt.UTC(),
			UserID:   m.UserID,
			ChatID:   m.ChatID,
			Files:    attached,
			UnreadBy: readers,
		})
	}
	return messages, nil
}
