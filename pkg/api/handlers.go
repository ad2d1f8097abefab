package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/llmrace/llmrace/pkg/store"
	"github.com/llmrace/llmrace/pkg/vault"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// pathID parses the {id} URL parameter.
func pathID(r *http.Request) (uint, error) {
	raw := chi.URLParam(r, "id")

	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, err
	}

	return uint(id), nil
}

// writeStoreError maps store errors onto HTTP statuses.
func (s *server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{"not found"})

		return
	}

	s.log.WithError(err).Error("Store operation failed")
	writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Connections ---

// connectionRequest is the create/update payload. APIKey, when present,
// is sealed into the vault; the plaintext never reaches the store.
type connectionRequest struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	BaseURL      string `json:"base_url"`
	APIKey       string `json:"api_key,omitempty"`
	APIKeyEnvVar string `json:"api_key_env_var,omitempty"`
}

// connectionResponse augments the stored row with the resolved
// credential source, never the credential itself.
type connectionResponse struct {
	*store.Connection
	AuthSource string `json:"auth_source"`
}

func (s *server) connectionView(conn *store.Connection) connectionResponse {
	auth := s.vault.ResolveAuth(conn.APIKeyEncrypted, conn.APIKeyEnvVar)

	return connectionResponse{Connection: conn, AuthSource: auth.Source}
}

func (s *server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := s.store.ListConnections(r.Context())
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	views := make([]connectionResponse, 0, len(conns))
	for i := range conns {
		views = append(views, s.connectionView(&conns[i]))
	}

	writeJSON(w, http.StatusOK, views)
}

func (s *server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid json body"})

		return
	}

	if req.Name == "" || req.BaseURL == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"name and base_url are required"})

		return
	}

	providerType := store.ProviderType(req.Type)
	if !store.IsValidProviderType(providerType) {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"unknown provider type"})

		return
	}

	conn := &store.Connection{
		Name:         req.Name,
		Type:         providerType,
		BaseURL:      req.BaseURL,
		APIKeyEnvVar: req.APIKeyEnvVar,
	}

	if req.APIKey != "" {
		encrypted, err := s.vault.Encrypt(req.APIKey)
		if err != nil {
			s.log.WithError(err).Error("Encrypting api key")
			writeJSON(w, http.StatusInternalServerError,
				errorResponse{"internal error"})

			return
		}

		conn.APIKeyEncrypted = encrypted
	}

	if err := s.store.CreateConnection(r.Context(), conn); err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, s.connectionView(conn))
}

func (s *server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid id"})

		return
	}

	conn, err := s.store.GetConnection(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, s.connectionView(conn))
}

func (s *server) handleUpdateConnection(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid id"})

		return
	}

	conn, err := s.store.GetConnection(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	var req connectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid json body"})

		return
	}

	if req.Name != "" {
		conn.Name = req.Name
	}

	if req.BaseURL != "" {
		conn.BaseURL = req.BaseURL
	}

	if req.Type != "" {
		providerType := store.ProviderType(req.Type)
		if !store.IsValidProviderType(providerType) {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"unknown provider type"})

			return
		}

		conn.Type = providerType
	}

	conn.APIKeyEnvVar = req.APIKeyEnvVar

	// An empty api_key leaves the stored credential alone.
	if req.APIKey != "" {
		encrypted, err := s.vault.Encrypt(req.APIKey)
		if err != nil {
			s.log.WithError(err).Error("Encrypting api key")
			writeJSON(w, http.StatusInternalServerError,
				errorResponse{"internal error"})

			return
		}

		conn.APIKeyEncrypted = encrypted
	}

	if err := s.store.UpdateConnection(r.Context(), conn); err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, s.connectionView(conn))
}

func (s *server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid id"})

		return
	}

	if err := s.store.DeleteConnection(r.Context(), id); err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// handleTestConnection probes the endpoint by listing its models.
func (s *server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid id"})

		return
	}

	conn, err := s.store.GetConnection(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	adapter, err := s.registry.Get(conn.Type)
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"unsupported provider type"})

		return
	}

	auth := s.vault.ResolveAuth(conn.APIKeyEncrypted, conn.APIKeyEnvVar)

	if adapter.RequiresAuth() && auth.Source == vault.SourceNone {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"ok":    false,
			"error": "no credential configured for this connection",
		})

		return
	}

	models, err := adapter.DiscoverModels(r.Context(), conn, auth)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"ok":    false,
			"error": err.Error(),
		})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"models": models,
	})
}

// --- Cars ---

type carRequest struct {
	Name         string   `json:"name"`
	ConnectionID uint     `json:"connection_id"`
	ModelName    string   `json:"model_name"`
	Temperature  *float64 `json:"temperature,omitempty"`
	TopP         *float64 `json:"top_p,omitempty"`
	MaxTokens    *int     `json:"max_tokens,omitempty"`
	Stop         []string `json:"stop,omitempty"`
	Seed         *int     `json:"seed,omitempty"`
}

func (s *server) handleListCars(w http.ResponseWriter, r *http.Request) {
	cars, err := s.store.ListCars(r.Context())
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, cars)
}

func (s *server) handleCreateCar(w http.ResponseWriter, r *http.Request) {
	var req carRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid json body"})

		return
	}

	if req.Name == "" || req.ModelName == "" || req.ConnectionID == 0 {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"name, connection_id, and model_name are required"})

		return
	}

	if _, err := s.store.GetConnection(r.Context(), req.ConnectionID); err != nil {
		s.writeStoreError(w, err)

		return
	}

	car := &store.Car{
		Name:         req.Name,
		ConnectionID: req.ConnectionID,
		ModelName:    req.ModelName,
		Temperature:  0.7,
		TopP:         1.0,
		MaxTokens:    req.MaxTokens,
		Seed:         req.Seed,
	}

	if req.Temperature != nil {
		car.Temperature = *req.Temperature
	}

	if req.TopP != nil {
		car.TopP = *req.TopP
	}

	if len(req.Stop) > 0 {
		car.StopJSON = store.ToJSON(req.Stop)
	}

	if err := s.store.CreateCar(r.Context(), car); err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, car)
}

func (s *server) handleGetCar(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid id"})

		return
	}

	car, err := s.store.GetCar(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, car)
}

func (s *server) handleUpdateCar(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid id"})

		return
	}

	car, err := s.store.GetCar(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	var req carRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid json body"})

		return
	}

	if req.Name != "" {
		car.Name = req.Name
	}

	if req.ModelName != "" {
		car.ModelName = req.ModelName
	}

	if req.ConnectionID != 0 {
		if _, err := s.store.GetConnection(r.Context(), req.ConnectionID); err != nil {
			s.writeStoreError(w, err)

			return
		}

		car.ConnectionID = req.ConnectionID
	}

	if req.Temperature != nil {
		car.Temperature = *req.Temperature
	}

	if req.TopP != nil {
		car.TopP = *req.TopP
	}

	if req.MaxTokens != nil {
		car.MaxTokens = req.MaxTokens
	}

	if req.Seed != nil {
		car.Seed = req.Seed
	}

	if req.Stop != nil {
		car.StopJSON = store.ToJSON(req.Stop)
	}

	if err := s.store.UpdateCar(r.Context(), car); err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, car)
}

func (s *server) handleDeleteCar(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid id"})

		return
	}

	if err := s.store.DeleteCar(r.Context(), id); err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// --- Suites ---

type suiteRequest struct {
	Name        string        `json:"name"`
	Category    string        `json:"category"`
	Description string        `json:"description,omitempty"`
	Tests       []testRequest `json:"tests"`
}

type testRequest struct {
	Name                string           `json:"name"`
	OrderIndex          int              `json:"order_index"`
	SystemPrompt        string           `json:"system_prompt,omitempty"`
	UserPrompt          string           `json:"user_prompt"`
	ExpectedConstraints string           `json:"expected_constraints,omitempty"`
	ToolsSchema         []map[string]any `json:"tools_schema,omitempty"`
}

func (s *server) handleListSuites(w http.ResponseWriter, r *http.Request) {
	suites, err := s.store.ListSuites(r.Context())
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, suites)
}

func (s *server) handleCreateSuite(w http.ResponseWriter, r *http.Request) {
	var req suiteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid json body"})

		return
	}

	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"name is required"})

		return
	}

	seenOrder := make(map[int]struct{}, len(req.Tests))

	for _, t := range req.Tests {
		if t.UserPrompt == "" {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"every test needs a user_prompt"})

			return
		}

		if _, dup := seenOrder[t.OrderIndex]; dup {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"duplicate order_index in tests"})

			return
		}

		seenOrder[t.OrderIndex] = struct{}{}
	}

	suite := &store.Suite{
		Name:        req.Name,
		Category:    req.Category,
		Description: req.Description,
	}

	if err := s.store.CreateSuite(r.Context(), suite); err != nil {
		s.writeStoreError(w, err)

		return
	}

	for _, t := range req.Tests {
		test := &store.TestCase{
			SuiteID:             suite.ID,
			OrderIndex:          t.OrderIndex,
			Name:                t.Name,
			SystemPrompt:        t.SystemPrompt,
			UserPrompt:          t.UserPrompt,
			ExpectedConstraints: t.ExpectedConstraints,
		}

		if len(t.ToolsSchema) > 0 {
			test.ToolsSchemaJSON = store.ToJSON(t.ToolsSchema)
		}

		if err := s.store.CreateTest(r.Context(), test); err != nil {
			s.writeStoreError(w, err)

			return
		}
	}

	created, err := s.store.GetSuite(r.Context(), suite.ID)
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *server) handleGetSuite(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid id"})

		return
	}

	suite, err := s.store.GetSuite(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, suite)
}

func (s *server) handleDeleteSuite(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid id"})

		return
	}

	if err := s.store.DeleteSuite(r.Context(), id); err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// --- Provider settings ---

type providerSettingRequest struct {
	MaxInFlight    *int `json:"max_in_flight,omitempty"`
	TimeoutMs      *int `json:"timeout_ms,omitempty"`
	RetryCount     *int `json:"retry_count,omitempty"`
	RetryBackoffMs *int `json:"retry_backoff_ms,omitempty"`
}

func (s *server) handleListProviderSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.ListProviderSettings(r.Context())
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, settings)
}

func (s *server) handleGetProviderSetting(w http.ResponseWriter, r *http.Request) {
	providerType := store.ProviderType(chi.URLParam(r, "type"))
	if !store.IsValidProviderType(providerType) {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"unknown provider type"})

		return
	}

	setting, err := s.store.GetProviderSetting(r.Context(), providerType)
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, setting)
}

// handleUpdateProviderSetting patches dispatch knobs for one provider
// type. Changes apply to subsequent dispatches; in-flight items keep
// the values they started with.
func (s *server) handleUpdateProviderSetting(w http.ResponseWriter, r *http.Request) {
	providerType := store.ProviderType(chi.URLParam(r, "type"))
	if !store.IsValidProviderType(providerType) {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"unknown provider type"})

		return
	}

	setting, err := s.store.GetProviderSetting(r.Context(), providerType)
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	var req providerSettingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid json body"})

		return
	}

	if req.MaxInFlight != nil {
		if *req.MaxInFlight < 1 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"max_in_flight must be at least 1"})

			return
		}

		setting.MaxInFlight = *req.MaxInFlight
	}

	if req.TimeoutMs != nil {
		if *req.TimeoutMs < 1 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"timeout_ms must be positive"})

			return
		}

		setting.TimeoutMs = *req.TimeoutMs
	}

	if req.RetryCount != nil {
		if *req.RetryCount < 0 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"retry_count must not be negative"})

			return
		}

		setting.RetryCount = *req.RetryCount
	}

	if req.RetryBackoffMs != nil {
		if *req.RetryBackoffMs < 0 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"retry_backoff_ms must not be negative"})

			return
		}

		setting.RetryBackoffMs = *req.RetryBackoffMs
	}

	if err := s.store.UpdateProviderSetting(r.Context(), setting); err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, setting)
}
