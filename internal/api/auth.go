package api

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"github.com/susu3304/warikan/internal/order"
	"github.com/susu3304/warikan/internal/presence"
)

type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Guest    bool   `json:"guest"`
	// TableID pins guest tokens to the table they checked in at.
	// Empty for registered diners, who may move between tables.
	TableID string `json:"table_id,omitempty"`
	jwt.RegisteredClaims
}

// Auth handlers
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if a.oauthConfig == nil {
		http.Error(w, "login is not configured", http.StatusNotImplemented)
		return
	}
	state := oauthState()
	url := a.oauthConfig.AuthCodeURL(state)

	json.NewEncoder(w).Encode(map[string]string{
		"auth_url": url,
		"state":    state,
	})
}

func (a *API) authenticateUser(ctx context.Context, code string) (string, *order.Profile, error) {
	// Exchange code for token
	token, err := a.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return "", nil, fmt.Errorf("token exchange failed: %w", err)
	}

	// Get user info from the provider
	profile, err := a.fetchUserInfo(ctx, token.AccessToken)
	if err != nil {
		return "", nil, fmt.Errorf("failed to get user: %w", err)
	}

	// Refresh the diner's display data so presence resolves it
	if err := a.store.UpsertProfile(ctx, *profile); err != nil {
		return "", nil, fmt.Errorf("failed to save profile: %w", err)
	}

	tokenString, err := a.signToken(Claims{
		UserID:   profile.ID,
		Username: profile.Name,
	})
	if err != nil {
		return "", nil, err
	}
	return tokenString, profile, nil
}

func (a *API) handleCallback(w http.ResponseWriter, r *http.Request) {
	if a.oauthConfig == nil {
		http.Error(w, "login is not configured", http.StatusNotImplemented)
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}

	tokenString, profile, err := a.authenticateUser(r.Context(), code)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"token":    tokenString,
		"user_id":  profile.ID,
		"username": profile.Name,
		"avatar":   profile.Avatar,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"message": "logged out",
	})
}

// handleCheckin issues a table-scoped guest token. Guests have no
// account; the display name doubles as their id.
func (a *API) handleCheckin(w http.ResponseWriter, r *http.Request) {
	tableID := mux.Vars(r)["table_id"]

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if req.Name == order.StaffCallName {
		http.Error(w, "name is reserved", http.StatusBadRequest)
		return
	}

	tokenString, err := a.signToken(Claims{
		UserID:   req.Name,
		Username: req.Name,
		Guest:    true,
		TableID:  tableID,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"token":    tokenString,
		"user_id":  req.Name,
		"username": req.Name,
		"avatar":   presence.AvatarURL(req.Name),
		"table_id": tableID,
	})
}

func (a *API) signToken(claims Claims) (string, error) {
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims)
	tokenString, err := token.SignedString(a.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to create token: %w", err)
	}
	return tokenString, nil
}

// Middleware
func (a *API) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "missing authorization header", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			http.Error(w, "invalid authorization header", http.StatusUnauthorized)
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return a.jwtSecret, nil
		})

		if err != nil || !token.Valid {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), "claims", claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFrom(r *http.Request) *Claims {
	claims, _ := r.Context().Value("claims").(*Claims)
	return claims
}

// tableAccess rejects guest tokens used against a table other than the
// one they checked in at.
func tableAccess(claims *Claims, tableID string) bool {
	return claims.TableID == "" || claims.TableID == tableID
}

// oauthState returns an unguessable URL-safe state parameter.
func oauthState() string {
	b := make([]byte, 24)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
