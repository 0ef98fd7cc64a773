package services

import (
	"gorm.io/gorm"

	"github.com/autobotela-sys/zap-trading/internal/models"
)

// UserService defines the interface for user-related operations
type UserService interface {
	GetUserByID(id uint) (models.User, error)
	GetUserByEmail(email string) (models.User, error)
	CreateUser(user models.User) (models.User, error)
}

// userService implements the UserService interface
type userService struct {
	db *gorm.DB
}

// NewUserService creates a new user service
func NewUserService(db *gorm.DB) UserService {
	return &userService{
		db: db,
	}
}

// GetUserByID returns a user by id
func (s *userService) GetUserByID(id uint) (models.User, error) {
	var user models.User
	result := s.db.First(&user, id)
	return user, result.Error
}

// GetUserByEmail returns a user by email
func (s *userService) GetUserByEmail(email string) (models.User, error) {
	var user models.User
	result := s.db.Where("email = ?", email).First(&user)
	return user, result.Error
}

// CreateUser creates a new user
func (s *userService) CreateUser(user models.User) (models.User, error) {
	result := s.db.Create(&user)
	return user, result.Error
}
