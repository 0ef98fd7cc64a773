package services

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/autobotela-sys/zap-trading/internal/models"
)

const minPasswordLength = 8

// AuthService defines the interface for authentication operations
type AuthService interface {
	Register(req models.RegisterRequest) (models.User, error)
	Authenticate(email, password string) (models.User, error)
	GenerateToken(user models.User) (string, error)
	ParseToken(tokenString string) (*models.Claims, error)
}

// authService implements the AuthService interface
type authService struct {
	users     UserService
	secretKey []byte
	expire    time.Duration
}

// NewAuthService creates a new authentication service
func NewAuthService(users UserService, secretKey []byte, expire time.Duration) AuthService {
	if expire <= 0 {
		expire = 24 * time.Hour
	}
	return &authService{
		users:     users,
		secretKey: secretKey,
		expire:    expire,
	}
}

// Register creates a user with a bcrypt-hashed password
func (s *authService) Register(req models.RegisterRequest) (models.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		return models.User{}, models.NewValidationError("email", "a valid email is required")
	}
	if len(req.Password) < minPasswordLength {
		return models.User{}, models.NewValidationError("password", fmt.Sprintf("must be at least %d characters", minPasswordLength))
	}

	if _, err := s.users.GetUserByEmail(email); err == nil {
		return models.User{}, models.ErrEmailTaken
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return models.User{}, err
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, err
	}

	return s.users.CreateUser(models.User{
		Email:          email,
		FullName:       strings.TrimSpace(req.FullName),
		HashedPassword: string(hashed),
		IsActive:       true,
	})
}

// Authenticate verifies user credentials and returns the user if valid
func (s *authService) Authenticate(email, password string) (models.User, error) {
	user, err := s.users.GetUserByEmail(strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.User{}, models.ErrInvalidCredentials
		}
		return models.User{}, err
	}
	if !user.IsActive {
		return models.User{}, models.ErrInvalidCredentials
	}

	// Check password
	if err := bcrypt.CompareHashAndPassword([]byte(user.HashedPassword), []byte(password)); err != nil {
		return models.User{}, models.ErrInvalidCredentials
	}

	return user, nil
}

// GenerateToken creates a new JWT token for the user
func (s *authService) GenerateToken(user models.User) (string, error) {
	now := time.Now()
	claims := &models.Claims{
		UserID: user.ID,
		Email:  user.Email,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: now.Add(s.expire).Unix(),
			IssuedAt:  now.Unix(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secretKey)
}

// ParseToken validates a token string and returns its claims
func (s *authService) ParseToken(tokenString string) (*models.Claims, error) {
	claims := &models.Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secretKey, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.UserID == 0 {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
