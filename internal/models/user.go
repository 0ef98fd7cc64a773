package models

import (
	"time"

	"github.com/dgrijalva/jwt-go"
)

type User struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Email          string    `gorm:"uniqueIndex;not null" json:"email"`
	FullName       string    `json:"full_name"`
	HashedPassword string    `json:"-" gorm:"column:hashed_password;not null"`
	IsActive       bool      `json:"is_active" gorm:"default:true"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Accounts       []Account `json:"-" gorm:"foreignKey:UserID"`
}

// Claims for JWT authentication
type Claims struct {
	UserID uint   `json:"sub"`
	Email  string `json:"email"`
	jwt.StandardClaims
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	User        User   `json:"user"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}
