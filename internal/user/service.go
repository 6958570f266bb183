package user

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

const (
	avatarMale   = "https://png.pngtree.com/png-clipart/20200224/original/pngtree-cartoon-color-simple-male-avatar-png-image_5230557.jpg"
	avatarFemale = "https://www.svgrepo.com/show/382097/female-avatar-girl-face-woman-user-9.svg"
	avatarOther  = "https://cdn-icons-png.flaticon.com/512/149/149288.png"
)

type Service struct {
	repo      *Repository
	jwtSecret string
	expiresIn time.Duration
}

type Claims struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func NewService(repo *Repository, secret string, expiresIn time.Duration) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: secret,
		expiresIn: expiresIn,
	}
}

func defaultAvatar(gender string) string {
	switch gender {
	case "male":
		return avatarMale
	case "female":
		return avatarFemale
	default:
		return avatarOther
	}
}

func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*User, error) {
	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	gender := req.Gender
	switch gender {
	case "male", "female", "other":
	default:
		gender = "other"
	}

	u := &User{
		Username: req.Username,
		Password: string(hashedPwd),
		Gender:   gender,
		Avatar:   defaultAvatar(gender),
	}

	if _, err := s.repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}

	u.Password = ""
	return u, nil
}

func (s *Service) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	u, err := s.repo.GetUserByUsername(ctx, req.Username)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	ss, err := s.GenerateToken(u.ID, u.Username)
	if err != nil {
		return nil, err
	}

	return &LoginResponse{
		AccessToken: ss,
		ID:          u.ID,
		Username:    u.Username,
		Avatar:      u.Avatar,
	}, nil
}

func (s *Service) GenerateToken(userID int, username string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		ID:       userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "chatify",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.expiresIn)),
		},
	})
	return token.SignedString([]byte(s.jwtSecret))
}

func (s *Service) ValidateToken(tokenString string) (int, string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		return 0, "", err
	}
	if !token.Valid {
		return 0, "", errors.New("invalid token")
	}

	return claims.ID, claims.Username, nil
}

func (s *Service) SearchUsers(ctx context.Context, query string, excludeID int) ([]User, error) {
	return s.repo.SearchUsers(ctx, query, excludeID)
}
