package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/fenggwsx/RelayChat/internal/storage"
)

// CreateUser stores a new user record and assigns its id.
func (s *Store) CreateUser(ctx context.Context, user *storage.User) error {
	if user == nil {
		return fmt.Errorf("%w: nil user", storage.ErrInvalidArgument)
	}
	if strings.TrimSpace(user.Username) == "" {
		return fmt.Errorf("%w: empty username", storage.ErrInvalidArgument)
	}
	model := userModel{
		Username:         user.Username,
		Name:             user.Name,
		Surname:          user.Surname,
		ProfilePhotoLink: user.ProfilePhotoLink,
		LastSeen:         user.LastSeen,
		Password:         user.Password,
		CreatedAt:        user.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return translate(err)
	}
	*user = toUser(model)
	return nil
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(ctx context.Context, id uint) (*storage.User, error) {
	var model userModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&model).Error; err != nil {
		return nil, translate(err)
	}
	user := toUser(model)
	return &user, nil
}

// GetUserByUsername retrieves a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	var model userModel
	if err := s.db.WithContext(ctx).Where("username = ?", username).Take(&model).Error; err != nil {
		return nil, translate(err)
	}
	user := toUser(model)
	return &user, nil
}

// UpdateUser applies the non-empty fields of update.
func (s *Store) UpdateUser(ctx context.Context, id uint, update storage.UserUpdate) (*storage.User, error) {
	changes := map[string]interface{}{}
	if v := strings.TrimSpace(update.Username); v != "" {
		changes["username"] = v
	}
	if update.Name != "" {
		changes["name"] = update.Name
	}
	if update.Surname != "" {
		changes["surname"] = update.Surname
	}
	if update.ProfilePhotoLink != "" {
		changes["profile_photo_link"] = update.ProfilePhotoLink
	}
	if update.Password != "" {
		changes["password"] = update.Password
	}

	var model userModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).Take(&model).Error; err != nil {
			return err
		}
		if len(changes) == 0 {
			return nil
		}
		if err := tx.Model(&userModel{}).Where("id = ?", id).Updates(changes).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Take(&model).Error
	})
	if err != nil {
		return nil, translate(err)
	}
	user := toUser(model)
	return &user, nil
}

// SetLastSeen stores lastSeen; nil marks the user online.
func (s *Store) SetLastSeen(ctx context.Context, id uint, lastSeen *time.Time) (*storage.User, error) {
	var model userModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).Take(&model).Error; err != nil {
			return err
		}
		if err := tx.Model(&userModel{}).Where("id = ?", id).Update("last_seen", lastSeen).Error; err != nil {
			return err
		}
		model.LastSeen = lastSeen
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}
	user := toUser(model)
	return &user, nil
}

// DeleteUser removes a user, its memberships and unread marks. Groups it
// administered pass to their lowest remaining member id. Messages the
// user sent are kept with a null sender.
func (s *Store) DeleteUser(ctx context.Context, id uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&userModel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: user %d", storage.ErrNotFound, id)
		}
		if err := tx.Model(&messageModel{}).Where("user_id = ?", id).Update("user_id", nil).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", id).Delete(&unreadModel{}).Error; err != nil {
			return err
		}
		var administered []uint
		if err := tx.Model(&chatModel{}).Where("admin_id = ?", id).Pluck("id", &administered).Error; err != nil {
			return err
		}
		for _, chatID := range administered {
			if err := handOffAdmin(tx, chatID, id); err != nil {
				return err
			}
		}
		return tx.Where("user_id = ?", id).Delete(&membershipModel{}).Error
	})
	return translate(err)
}

// SearchUsers returns users whose username contains substr (case-sensitive),
// excluding excludeID.
func (s *Store) SearchUsers(ctx context.Context, substr string, excludeID uint) ([]storage.User, error) {
	if substr == "" {
		return []storage.User{}, nil
	}
	var models []userModel
	err := s.db.WithContext(ctx).
		Where("username LIKE ? ESCAPE '\\'", "%"+escapeLike(substr)+"%").
		Where("id <> ?", excludeID).
		Order("id").
		Find(&models).Error
	if err != nil {
		return nil, translate(err)
	}
	users := make([]storage.User, 0, len(models))
	for _, m := range models {
		// LIKE folds ASCII case on SQLite.
		if strings.Contains(m.Username, substr) {
			users = append(users, toUser(m))
		}
	}
	return users, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (s *Store) usersByIDs(tx *gorm.DB, ids []uint) (map[uint]storage.User, error) {
	out := make(map[uint]storage.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var models []userModel
	if err := tx.Where("id IN ?", ids).Find(&models).Error; err != nil {
		return nil, err
	}
	for _, m := range models {
		out[m.ID] = toUser(m)
	}
	return out, nil
}

func toUser(m userModel) storage.User {
	return storage.User{
		ID:               m.ID,
		Username:         m.Username,
		Name:             m.Name,
		Surname:          m.Surname,
		ProfilePhotoLink: m.ProfilePhotoLink,
		LastSeen:         m.LastSeen,
		Password:         m.Password,
		CreatedAt:        m.CreatedAt,
	}
}
