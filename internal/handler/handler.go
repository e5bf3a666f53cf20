// Package handler exposes the user-facing HTTP API: signup, password and OTP
// login, token refresh and logout, the account profile, permanent tokens and
// the IP whitelist.
package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"authgate/internal/autherr"
	"authgate/internal/device"
	"authgate/internal/domain"
	"authgate/internal/identity"
	"authgate/internal/jwtauth"
	"authgate/internal/login"
	"authgate/internal/observability"
	"authgate/internal/permtoken"
)

type Handler struct {
	logins    *login.Service
	sessions  *jwtauth.Service
	tokens    *permtoken.Service
	devices   *device.Service
	extractor device.Extractor
	logger    *observability.Logger
	validate  *validator.Validate
}

func NewHandler(
	logins *login.Service,
	sessions *jwtauth.Service,
	tokens *permtoken.Service,
	devices *device.Service,
	extractor device.Extractor,
	logger *observability.Logger,
) *Handler {
	return &Handler{
		logins:    logins,
		sessions:  sessions,
		tokens:    tokens,
		devices:   devices,
		extractor: extractor,
		logger:    logger,
		validate:  newValidator(),
	}
}

type signupRequest struct {
	Username string `json:"username" validate:"required,min=3,max=150"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type passwordLoginRequest struct {
	Username string `json:"username" validate:"max=150"`
	Email    string `json:"email" validate:"max=254"`
	Password string `json:"password" validate:"required,max=72"`
}

type otpInitRequest struct {
	Username string `json:"username" validate:"max=150"`
	Email    string `json:"email" validate:"max=254"`
}

type otpConfirmRequest struct {
	OTPID string `json:"otpId" validate:"required,max=64"`
	OTP   string `json:"otp" validate:"required,max=32"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

type createTokenRequest struct {
	Alias     string     `json:"alias" validate:"required,max=64"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

type deleteTokenRequest struct {
	ID    string `json:"id" validate:"required_without=Alias,max=64"`
	Alias string `json:"alias" validate:"required_without=ID,max=64"`
}

type whitelistAddRequest struct {
	Password    string   `json:"password" validate:"required,max=72"`
	IPAddresses []string `json:"ipAddresses" validate:"required,min=1,max=50,dive,required,max=64"`
}

type whitelistDeleteRequest struct {
	ID string `json:"id" validate:"required_without=IP,max=64"`
	IP string `json:"ip" validate:"required_without=ID,max=64"`
}

type deleteAccountRequest struct {
	Password string `json:"password" validate:"required,max=72"`
	Reason   string `json:"reason" validate:"max=500"`
}

type userView struct {
	ID         string     `json:"id"`
	Username   string     `json:"username"`
	Email      string     `json:"email"`
	IsStaff    bool       `json:"isStaff"`
	DateJoined time.Time  `json:"dateJoined"`
	LastLogin  *time.Time `json:"lastLogin,omitempty"`
}

func newUserView(user *domain.User) userView {
	return userView{
		ID:         user.ID,
		Username:   user.Username,
		Email:      user.Email,
		IsStaff:    user.IsStaff,
		DateJoined: user.CreatedAt,
		LastLogin:  user.LastLogin,
	}
}

type loginResponse struct {
	User userView `json:"user"`
	jwtauth.TokenPair
}

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var body signupRequest
	if err := h.decodeJSON(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}

	user, err := h.logins.Register(r.Context(), login.RegisterInput{
		Username: body.Username,
		Email:    body.Email,
		Password: body.Password,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.devices.RecordLogin(r.Context(), user.ID, h.extractor.FromRequest(r))
	writeJSON(w, http.StatusCreated, map[string]any{"user": newUserView(user)})
}

func (h *Handler) PasswordLogin(w http.ResponseWriter, r *http.Request) {
	var body passwordLoginRequest
	if err := h.decodeJSON(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.logins.PasswordLogin(r.Context(), login.Identifier{Username: body.Username, Email: body.Email}, body.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.completeLogin(w, r, result)
}

func (h *Handler) InitOTP(w http.ResponseWriter, r *http.Request) {
	var body otpInitRequest
	if err := h.decodeJSON(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}

	challenge, err := h.logins.InitOTP(r.Context(), login.Identifier{Username: body.Username, Email: body.Email})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, challenge)
}

func (h *Handler) ConfirmOTP(w http.ResponseWriter, r *http.Request) {
	var body otpConfirmRequest
	if err := h.decodeJSON(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.logins.ConfirmOTP(r.Context(), body.OTPID, body.OTP)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.completeLogin(w, r, result)
}

func (h *Handler) completeLogin(w http.ResponseWriter, r *http.Request, result login.Result) {
	h.devices.RecordLogin(r.Context(), result.User.ID, h.extractor.FromRequest(r))
	writeJSON(w, http.StatusOK, loginResponse{User: newUserView(result.User), TokenPair: result.Tokens})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if err := h.decodeJSON(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}

	tokens, err := h.sessions.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if err := h.decodeJSON(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.sessions.Revoke(r.Context(), body.RefreshToken); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) AuthTest(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":    caller.User.Email,
		"method":  caller.Method,
		"message": "access token working successfully",
	})
}

// Profile returns the caller. Staff may look up another user with ?userId=.
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}

	user := caller.User
	if id := strings.TrimSpace(r.URL.Query().Get("userId")); id != "" && id != user.ID {
		if !user.Privileged() {
			h.writeError(w, r, autherr.ErrForbidden)
			return
		}
		found, err := h.logins.User(r.Context(), id)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		user = found
	}

	writeJSON(w, http.StatusOK, map[string]any{"user": newUserView(user)})
}

func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}

	var body deleteAccountRequest
	if err := h.decodeJSON(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.logins.DeleteAccount(r.Context(), caller.User, body.Password, body.Reason); err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"message": "user deleted successfully"})
}

func (h *Handler) ListTokens(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}

	tokens, err := h.tokens.List(r.Context(), caller.User.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens})
}

func (h *Handler) CreateToken(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}

	var body createTokenRequest
	if err := h.decodeJSON(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}

	created, err := h.tokens.Create(r.Context(), caller.User.ID, body.Alias, body.ExpiresAt)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) DeleteToken(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}

	var body deleteTokenRequest
	if err := h.decodeJSON(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}

	deleted, err := h.tokens.Delete(r.Context(), caller.User.ID, body.ID, body.Alias)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (h *Handler) ListWhitelist(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}

	page := 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			h.writeError(w, r, autherr.InvalidInput("page must be a positive integer"))
			return
		}
		page = parsed
	}

	entries, err := h.devices.ListWhitelist(r.Context(), caller.User.ID, page)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, whitelistPage(page, entries))
}

func (h *Handler) AddWhitelist(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}

	var body whitelistAddRequest
	if err := h.decodeJSON(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}

	entries, err := h.devices.AddWhitelist(r.Context(), caller.User, body.Password, body.IPAddresses)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, whitelistPage(1, entries))
}

func (h *Handler) DeleteWhitelist(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}

	var body whitelistDeleteRequest
	if err := h.decodeJSON(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}

	entries, err := h.devices.DeleteWhitelist(r.Context(), caller.User.ID, body.ID, body.IP)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, whitelistPage(1, entries))
}

func whitelistPage(page int, entries []device.WhitelistEntry) map[string]any {
	if entries == nil {
		entries = []device.WhitelistEntry{}
	}
	return map[string]any{
		"page":     page,
		"pageSize": device.WhitelistPageSize,
		"results":  entries,
	}
}

// requireIdentity writes a 401 when the device gate left the request
// anonymous.
func (h *Handler) requireIdentity(w http.ResponseWriter, r *http.Request) (*identity.Identity, bool) {
	caller, ok := identity.FromContext(r.Context())
	if !ok || caller == nil || caller.User == nil {
		h.writeError(w, r, identity.Anonymous)
		return nil, false
	}
	return caller, true
}
