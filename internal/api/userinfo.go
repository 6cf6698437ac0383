package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/susu3304/warikan/internal/order"
	"github.com/susu3304/warikan/internal/presence"
)

// userInfo covers the field spellings of common OAuth2 providers: OIDC
// (sub/name/picture) and Discord-style (id/username/avatar).
type userInfo struct {
	Sub      string `json:"sub"`
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Picture  string `json:"picture"`
	Avatar   string `json:"avatar"`
}

func (u userInfo) profile() *order.Profile {
	p := &order.Profile{ID: u.Sub, Name: u.Name, Avatar: u.Picture}
	if p.ID == "" {
		p.ID = u.ID
	}
	if p.Name == "" {
		p.Name = u.Username
	}
	if p.Avatar == "" {
		p.Avatar = u.Avatar
	}
	if p.Avatar == "" {
		p.Avatar = presence.AvatarURL(p.Name)
	}
	return p
}

func (a *API) fetchUserInfo(ctx context.Context, accessToken string) (*order.Profile, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", a.config.OAuthUserInfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo endpoint returned %d", resp.StatusCode)
	}

	var u userInfo
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return nil, err
	}
	p := u.profile()
	if p.ID == "" {
		return nil, fmt.Errorf("userinfo response carries no user id")
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	return p, nil
}
