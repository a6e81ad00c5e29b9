package auth

import "github.com/zhouzirui/compliance-galaxy/client/internal/model/ident"

// User is the profile returned by /users/me.
type User struct {
	ID    ident.ID `json:"id"`
	Email string   `json:"email"`
}

// Credentials are exchanged for a bearer token.
type Credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,max=128"`
}
