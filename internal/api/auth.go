package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"finet/internal/core"
	"finet/internal/log"
)

// ErrNoTokenInResponse is returned when a 2xx login response carries no token.
var ErrNoTokenInResponse = errors.New("login response has no token")

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	body, err := c.do(ctx, request{
		method:    http.MethodPost,
		path:      "/auth/login",
		body:      map[string]string{"email": email, "password": password},
		anonymous: true,
	})
	if err != nil {
		return "", err
	}
	tok := token(body)
	if tok == "" {
		return "", ErrNoTokenInResponse
	}
	c.logger.InfoContext(ctx, "Credentials accepted", log.FieldOperation, log.OpLogin)
	return tok, nil
}

// Profile fetches the signed-in user.
func (c *Client) Profile(ctx context.Context) (core.User, error) {
	tok := c.currentToken()
	if tok == "" {
		return core.User{}, ErrNoToken
	}
	return c.ProfileForToken(ctx, tok)
}

// ProfileForToken fetches the user behind tok, which need not be the
// current session token yet.
func (c *Client) ProfileForToken(ctx context.Context, tok string) (core.User, error) {
	if tok == "" {
		return core.User{}, ErrNoToken
	}
	v, err, _ := c.group.Do("profile|"+tok, func() (any, error) {
		return c.do(ctx, request{method: http.MethodGet, path: "/auth/profile", token: tok})
	})
	if err != nil {
		return core.User{}, err
	}
	return decodeUser(v.([]byte))
}

// Register creates an account. The caller validates reg first.
func (c *Client) Register(ctx context.Context, reg core.Registration) error {
	if err := reg.Validate(); err != nil {
		return err
	}
	_, err := c.do(ctx, request{
		method:    http.MethodPost,
		path:      "/auth/register",
		body:      newRegisterPayload(reg),
		anonymous: true,
	})
	return err
}

// GoogleAuthURL is where the browser goes to start the Google sign-in. The
// API redirects back to redirectURL with ?token=.
func (c *Client) GoogleAuthURL(redirectURL string) string {
	u := c.baseURL + "/auth/google"
	if redirectURL == "" {
		return u
	}
	return u + "?redirect_url=" + url.QueryEscape(redirectURL)
}

// SendOTP asks the API to email a one-time code.
func (c *Client) SendOTP(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return &core.ValidationError{Field: "email", Err: errors.New("required")}
	}
	_, err := c.do(ctx, request{
		method:    http.MethodPost,
		path:      "/otp-verification/send",
		body:      map[string]string{"email": email},
		anonymous: true,
	})
	return err
}

// ErrInvalidOTP rejects codes that are not six digits.
var ErrInvalidOTP = errors.New("otp must be 6 digits")

func (c *Client) VerifyOTP(ctx context.Context, email, otp string) error {
	otp = strings.TrimSpace(otp)
	if !validOTP(otp) {
		return &core.ValidationError{Field: "otp", Err: ErrInvalidOTP}
	}
	_, err := c.do(ctx, request{
		method:    http.MethodPost,
		path:      "/otp-verification/verify-otp-email",
		body:      map[string]string{"email": strings.TrimSpace(email), "otp": otp},
		anonymous: true,
	})
	return err
}

func validOTP(s string) bool {
	if len(s) != 6 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// UpdateUser patches the signed-in user's profile and returns the profile
// the API reports afterwards.
func (c *Client) UpdateUser(ctx context.Context, upd core.ProfileUpdate) (core.User, error) {
	if err := upd.Validate(); err != nil {
		return core.User{}, err
	}
	if _, err := c.mutate(ctx, http.MethodPatch, "/user", newUserPayload(upd)); err != nil {
		return core.User{}, fmt.Errorf("update user: %w", err)
	}
	user, err := c.Profile(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "Profile refresh after update failed", log.FieldError, err)
		return core.User{
			Username:     upd.Username,
			Email:        upd.Email,
			PhoneNumber:  core.PhoneDigits(upd.PhoneNumber),
			DOB:          upd.DOB,
			ProfileImage: newUserPayload(upd).ProfileImage,
		}, nil
	}
	return user, nil
}
