package http

import (
	"context"
	"errors"
	"net/http"

	"finet/internal/api"
	"finet/internal/core"
	"finet/internal/log"
	"finet/internal/upload"
)

// MaxAvatarRequestSize bounds the multipart body of an avatar upload.
const MaxAvatarRequestSize = upload.MaxImageSize + 1<<20

type profileView struct {
	User      core.User `json:"user"`
	AvatarURL string    `json:"avatar_url"`
}

func newProfileView(u core.User) profileView {
	return profileView{User: u, AvatarURL: u.AvatarURL()}
}

// refreshUser caches u in the session so the next session read shows it.
func (s *Server) refreshUser(ctx context.Context, u core.User) {
	if err := s.sess.SetUser(ctx, u); err != nil {
		log.FromContext(ctx).WarnContext(ctx, "Could not cache updated user", log.FieldError, err)
	}
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, err := s.api.Profile(api.NoCache(ctx))
	if err != nil {
		if api.IsUnauthorized(err) {
			s.writeError(w, r, log.OpRead, err)
			return
		}
		// the cached copy is better than nothing
		log.FromContext(ctx).WarnContext(ctx, "Profile fetch failed, serving cached user", log.FieldError, err)
		user = s.sess.User()
	} else {
		s.refreshUser(ctx, user)
	}
	NewResponse().JSON(newProfileView(user)).Write(w)
}

// profileUpdate starts from the current user so a partial body only
// changes what it names. The password is sent only when provided.
func profileUpdate(current core.User, p *RequestBodyParser) core.ProfileUpdate {
	upd := core.ProfileUpdate{
		Username:     current.Username,
		Email:        current.Email,
		PhoneNumber:  current.PhoneNumber,
		DOB:          current.DOB,
		ProfileImage: current.ProfileImage,
	}
	if p == nil {
		return upd
	}
	if p.Has("username") {
		upd.Username = p.Get("username")
	}
	if p.Has("email") {
		upd.Email = p.Get("email")
	}
	if p.Has("phone_number") {
		upd.PhoneNumber = p.Get("phone_number")
	}
	if p.Has("dob") {
		upd.DOB = p.Get("dob")
	}
	if p.Has("profile_image") {
		upd.ProfileImage = p.Get("profile_image")
	}
	if pw := p.GetRawString("password"); pw != "" {
		upd.Password = pw
	}
	return upd
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	p, ok := parseBody(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	upd := profileUpdate(s.sess.User(), p)
	if err := upd.Validate(); err != nil {
		s.writeError(w, r, log.OpUpdate, err)
		return
	}
	user, err := s.api.UpdateUser(ctx, upd)
	if err != nil {
		s.writeError(w, r, log.OpUpdate, err)
		return
	}
	s.refreshUser(ctx, user)

	NewResponse().
		JSON(newProfileView(user)).
		TriggerSessionChanged().
		TriggerSuccessNotification("Profile updated.").
		Write(w)
}

// handleUploadAvatar stores the image with the uploader and points the
// profile at it.
func (s *Server) handleUploadAvatar(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.uploader == nil || !s.uploader.Enabled() {
		ErrorResponse(http.StatusServiceUnavailable, "Image upload is not configured.").Write(w)
		return
	}

	if err := r.ParseMultipartForm(upload.MaxImageSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			ErrorResponse(http.StatusRequestEntityTooLarge, "Image too large (max 5 MB).").Write(w)
			return
		}
		BadRequestError("Expected a multipart form with an image file.").Write(w)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		file, header, err = r.FormFile("avatar")
	}
	if err != nil {
		FieldErrorResponse("file", "file: required").Write(w)
		return
	}
	defer file.Close()

	imageURL, err := s.uploader.Upload(ctx, header.Filename, file)
	switch {
	case errors.Is(err, upload.ErrTooLarge):
		ErrorResponse(http.StatusRequestEntityTooLarge, "Image too large (max 5 MB).").Write(w)
		return
	case errors.Is(err, upload.ErrNotImage):
		FieldErrorResponse("file", "The file is not an image.").Write(w)
		return
	case err != nil:
		log.FromContext(ctx).ErrorContext(ctx, "Avatar upload failed",
			log.FieldOperation, log.OpUpload, log.FieldError, err, log.FieldErrorType, log.ErrorTypeNetwork)
		BadGatewayError("Image upload failed. Please try again.").Write(w)
		return
	}

	upd := profileUpdate(s.sess.User(), nil)
	upd.ProfileImage = imageURL
	user, err := s.api.UpdateUser(ctx, upd)
	if err != nil {
		s.writeError(w, r, log.OpUpdate, err)
		return
	}
	s.refreshUser(ctx, user)

	NewResponse().
		JSON(newProfileView(user)).
		TriggerSessionChanged().
		TriggerSuccessNotification("Profile picture updated.").
		Write(w)
}
