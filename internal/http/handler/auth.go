package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"cardsync/internal/auth"

	"gorm.io/gorm"
)

type AuthHandler struct {
	DB  *gorm.DB
	JWT *auth.JWT
}

// Login exchanges operator credentials for a bearer token. There is no
// self-registration: accounts are provisioned at startup from config.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	email := strings.TrimSpace(strings.ToLower(in.Email))
	if email == "" || in.Password == "" {
		http.Error(w, "email and password required", http.StatusBadRequest)
		return
	}

	var op auth.Operator
	err := h.DB.WithContext(r.Context()).Where("email = ?", email).First(&op).Error
	if err != nil || !auth.ComparePassword(op.PasswordHash, in.Password) {
		// Same answer for unknown email and wrong password.
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := h.JWT.Sign(&op)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token": token,
		"email": op.Email,
	})
}
