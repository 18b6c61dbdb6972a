package identity

import (
	"context"
	"encoding/json"
	"errors"
)

var ErrUserNotFound = errors.New("user not found")

type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (u *User) MarshalBinary() ([]byte, error) {
	return json.Marshal(u)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (u *User) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, u)
}

// Store is the identity collaborator seam. The metering core only reads.
type Store interface {
	GetUser(ctx context.Context, userID string) (*User, error)
}
