package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/omnivault/sync-engine/models"
)

type credentialIntakeRequest struct {
	UserID       string    `json:"userId"`
	Provider     string    `json:"provider"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Scopes       []string  `json:"scopes"`
}

// Intake stores tokens handed over by a dashboard that ran the OAuth flow
// itself. The row is upserted, so reconnecting a provider replaces the old
// grant.
func (h *CredentialHandlers) Intake(w http.ResponseWriter, r *http.Request) {
	var req credentialIntakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if !models.KnownProvider(req.Provider) {
		renderError(w, http.StatusUnprocessableEntity, fmt.Sprintf("unknown provider %q", req.Provider))
		return
	}

	cred := &models.Credential{
		UserID:       req.UserID,
		Provider:     req.Provider,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresAt:    req.ExpiresAt,
		Scopes:       models.StringArray(req.Scopes),
	}

	if err := cred.Validate(); err != nil {
		renderError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if err := h.Deps.Credentials.Save(r.Context(), cred); err != nil {
		renderError(w, http.StatusInternalServerError, err.Error())
		return
	}

	renderJSON(w, http.StatusCreated, connectionResponse(*cred))
}

// Connections lists the user's stored credentials with token material
// blanked.
func (h *CredentialHandlers) Connections(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		renderError(w, http.StatusUnprocessableEntity, "missing userId")
		return
	}

	creds, err := h.Deps.Credentials.Connections(r.Context(), userID)
	if err != nil {
		renderError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]models.ConnectionResponse, 0, len(creds))
	for _, cred := range creds {
		out = append(out, connectionResponse(cred))
	}

	renderJSON(w, http.StatusOK, out)
}

// Authorize returns the provider consent URL. The state ties the callback
// to the requesting user without server-side session storage, so the user
// id must not collide with the separator.
func (h *CredentialHandlers) Authorize(w http.ResponseWriter, r *http.Request) {
	providerName := mux.Vars(r)["provider"]

	userID := r.URL.Query().Get("userId")
	if userID == "" {
		renderError(w, http.StatusUnprocessableEntity, "missing userId")
		return
	}

	if strings.Contains(userID, ":") {
		renderError(w, http.StatusUnprocessableEntity, "userId must not contain ':'")
		return
	}

	if !models.KnownProvider(providerName) {
		renderError(w, http.StatusUnprocessableEntity, fmt.Sprintf("unknown provider %q", providerName))
		return
	}

	state := strings.Join([]string{userID, providerName, uuid.New().String()}, ":")

	url, err := h.Deps.Credentials.AuthCodeURL(providerName, state)
	if err != nil {
		renderError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	renderJSON(w, http.StatusOK, models.AuthorizeResponse{URL: url})
}

// Callback completes the authorization-code flow: it checks the state
// minted by Authorize, exchanges the code at the provider's token endpoint,
// and stores the credential.
func (h *CredentialHandlers) Callback(w http.ResponseWriter, r *http.Request) {
	providerName := mux.Vars(r)["provider"]
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")

	if code == "" || state == "" {
		renderError(w, http.StatusUnprocessableEntity, "missing code or state")
		return
	}

	parts := strings.SplitN(state, ":", 3)
	if len(parts) != 3 || parts[0] == "" {
		renderError(w, http.StatusUnprocessableEntity, "malformed state")
		return
	}

	if parts[1] != providerName {
		renderError(w, http.StatusUnprocessableEntity, "state does not match provider")
		return
	}

	cred, err := h.Deps.Credentials.Exchange(r.Context(), parts[0], providerName, code)
	if err != nil {
		renderError(w, http.StatusBadGateway, err.Error())
		return
	}

	renderJSON(w, http.StatusOK, connectionResponse(*cred))
}

func connectionResponse(cred models.Credential) models.ConnectionResponse {
	return models.ConnectionResponse{
		Provider:  cred.Provider,
		Valid:     cred.Valid,
		ExpiresAt: cred.ExpiresAt,
		Scopes:    cred.Scopes,
		UpdatedAt: cred.UpdatedAt,
	}
}
