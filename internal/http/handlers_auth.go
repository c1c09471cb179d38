package http

import (
	"errors"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"finet/internal/api"
	"finet/internal/core"
	"finet/internal/log"
	"finet/internal/session"
)

type sessionView struct {
	Authenticated bool       `json:"authenticated"`
	User          *core.User `json:"user,omitempty"`
	DisplayName   string     `json:"display_name,omitempty"`
	AvatarURL     string     `json:"avatar_url,omitempty"`
	LoginTime     *time.Time `json:"login_time,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Message       string     `json:"message,omitempty"`
}

func (s *Server) currentSession() sessionView {
	user := s.sess.User()
	if user.IsZero() {
		user = core.PlaceholderUser()
	}
	login, expires := s.sess.LoginTime(), s.sess.ExpiresAt()
	v := sessionView{
		Authenticated: true,
		User:          &user,
		DisplayName:   user.DisplayName(),
		AvatarURL:     user.AvatarURL(),
	}
	if !login.IsZero() {
		v.LoginTime = &login
		v.ExpiresAt = &expires
	}
	return v
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.sess == nil || !s.sess.Check(r.Context()) {
		v := sessionView{}
		if s.sess != nil {
			if ev, ok := s.sess.LastEviction(); ok && ev.Reason != session.ReasonLogout {
				v.Message = ev.Message()
			}
		}
		NewResponse().JSON(v).Write(w)
		return
	}
	NewResponse().JSON(s.currentSession()).Write(w)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	p, ok := parseBody(w, r)
	if !ok {
		return
	}
	email, password := p.Get("email"), p.GetRawString("password")
	if email == "" || password == "" {
		BadRequestError("Please fill in all fields correctly.").Write(w)
		return
	}

	ctx := r.Context()
	if _, err := s.sess.Login(ctx, email, password); err != nil {
		if errors.Is(err, session.ErrLoginInProgress) {
			ErrorResponse(http.StatusConflict, "A login is already in progress.").Write(w)
			return
		}
		log.FromContext(ctx).InfoContext(ctx, "Login failed",
			log.FieldOperation, log.OpLogin, log.FieldError, err, log.FieldErrorType, log.ErrorTypeAuth)
		ErrorResponse(loginStatus(err), api.LoginErrorMessage(err)).Write(w)
		return
	}

	NewResponse().
		JSON(s.currentSession()).
		TriggerSessionChanged().
		Redirect("/dashboard").
		Write(w)
}

// loginStatus keeps the API's 4xx and reports anything else as a gateway
// failure.
func loginStatus(err error) int {
	if st := apiStatus(err); st >= 400 && st < 500 {
		return st
	}
	if errors.Is(err, api.ErrNoTokenInResponse) {
		return http.StatusBadGateway
	}
	var apiErr *api.Error
	if errors.As(err, &apiErr) || errors.Is(err, api.ErrNetwork) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.sess.Logout(r.Context()); err != nil {
		s.writeError(w, r, log.OpLogout, err)
		return
	}
	NewResponse().
		TriggerSessionChanged().
		Redirect("/login").
		Write(w)
}

// handleGoogleAuth hands the browser to the API's Google sign-in, which
// comes back to /auth/callback.
func (s *Server) handleGoogleAuth(w http.ResponseWriter, r *http.Request) {
	callback := strings.TrimRight(s.cfg.PublicURL, "/") + "/auth/callback"
	http.Redirect(w, r, s.api.GoogleAuthURL(callback), http.StatusFound)
}

func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	tok := strings.TrimSpace(q.Get("token"))
	if tok == "" {
		tok = strings.TrimSpace(q.Get("access_token"))
	}
	if tok == "" {
		log.FromContext(ctx).WarnContext(ctx, "OAuth callback without token", log.FieldOperation, log.OpLogin)
		http.Redirect(w, r, s.appURL("/login?error="+url.QueryEscape("Google sign-in failed.")), http.StatusFound)
		return
	}

	if _, err := s.sess.LoginWithToken(ctx, tok); err != nil {
		log.FromContext(ctx).WarnContext(ctx, "OAuth login failed", log.FieldOperation, log.OpLogin, log.FieldError, err)
		http.Redirect(w, r, s.appURL("/login?error="+url.QueryEscape("Google sign-in failed.")), http.StatusFound)
		return
	}
	http.Redirect(w, r, s.appURL("/dashboard"), http.StatusFound)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	p, ok := parseBody(w, r)
	if !ok {
		return
	}
	reg := core.Registration{
		Username:        p.Get("username"),
		Email:           p.Get("email"),
		PhoneNumber:     p.Get("phone_number"),
		DOB:             p.Get("dob"),
		Password:        p.GetRawString("password"),
		ConfirmPassword: p.GetRawString("confirm_password"),
		AcceptTerms:     p.GetBool("agree_terms"),
	}
	if err := reg.Validate(); err != nil {
		s.writeError(w, r, log.OpCreate, err)
		return
	}

	ctx := r.Context()
	if err := s.api.Register(ctx, reg); err != nil {
		status := http.StatusBadGateway
		if st := apiStatus(err); st == http.StatusConflict || st == http.StatusBadRequest {
			status = st
		}
		log.FromContext(ctx).InfoContext(ctx, "Registration failed", log.FieldOperation, log.OpCreate, log.FieldError, err)
		ErrorResponse(status, api.RegisterErrorMessage(err)).Write(w)
		return
	}

	body := map[string]any{
		"email":    reg.Email,
		"otp_sent": true,
		"message":  "Registration successful. Please check your email for the verification code.",
	}
	if err := s.sendOTP(r, reg.Email); err != nil {
		body["otp_sent"] = false
		body["message"] = api.OTPSendErrorMessage
	}
	NewResponse().
		Status(http.StatusCreated).
		JSON(body).
		Redirect("/verify-otp?email=" + url.QueryEscape(reg.Email)).
		Write(w)
}

// sendOTP sends a code and starts the resend cooldown for email.
func (s *Server) sendOTP(r *http.Request, email string) error {
	ctx := r.Context()
	if err := s.api.SendOTP(ctx, email); err != nil {
		log.FromContext(ctx).WarnContext(ctx, "Sending OTP failed", log.FieldError, err)
		return err
	}
	s.otpSent.Set(otpKey(email), s.now())
	return nil
}

func otpKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// otpCooldownLeft is the time until email may be sent another code.
func (s *Server) otpCooldownLeft(email string) time.Duration {
	sent, ok := s.otpSent.Get(otpKey(email))
	if !ok {
		return 0
	}
	left := otpCooldown - s.now().Sub(sent)
	if left < 0 {
		return 0
	}
	return left
}

func (s *Server) handleSendOTP(w http.ResponseWriter, r *http.Request) {
	p, ok := parseBody(w, r)
	if !ok {
		return
	}
	email := p.Get("email")
	if email == "" {
		FieldErrorResponse("email", "email: required").Write(w)
		return
	}

	if left := s.otpCooldownLeft(email); left > 0 {
		secs := int(math.Ceil(left.Seconds()))
		TooManyRequestsError("Please wait before requesting another code.").
			Header("Retry-After", strconv.Itoa(secs)).
			JSON(map[string]any{"error": "Please wait before requesting another code.", "retry_after": secs}).
			Write(w)
		return
	}

	if err := s.sendOTP(r, email); err != nil {
		var verr *core.ValidationError
		if errors.As(err, &verr) {
			s.writeError(w, r, log.OpCreate, err)
			return
		}
		BadGatewayError(api.OTPSendErrorMessage).Write(w)
		return
	}
	NewResponse().
		JSON(map[string]any{"message": "Verification code sent.", "cooldown": int(otpCooldown.Seconds())}).
		TriggerSuccessNotification("Verification code sent.").
		Write(w)
}

func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	p, ok := parseBody(w, r)
	if !ok {
		return
	}
	email, otp := p.Get("email"), p.Get("otp")
	if email == "" {
		FieldErrorResponse("email", "email: required").Write(w)
		return
	}

	ctx := r.Context()
	if err := s.api.VerifyOTP(ctx, email, otp); err != nil {
		var verr *core.ValidationError
		if errors.As(err, &verr) {
			FieldErrorResponse(verr.Field, "Please enter the 6-digit code.").Write(w)
			return
		}
		status := http.StatusBadRequest
		if errors.Is(err, api.ErrNetwork) {
			status = http.StatusBadGateway
		}
		ErrorResponse(status, api.OTPVerifyErrorMessage(err)).Write(w)
		return
	}

	s.otpSent.Delete(otpKey(email))
	NewResponse().
		JSON(map[string]any{"message": "Email verified. You can now log in."}).
		TriggerSuccessNotification("Email verified. You can now log in.").
		Redirect("/login").
		Write(w)
}
