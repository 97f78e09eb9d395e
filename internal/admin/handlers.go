package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// settings maps the names accepted by PUT /api/users/{user}/{setting}.
var settings = map[string]func(s *Service, user string, req SettingRequest) Result{
	"allowed_days": func(s *Service, user string, req SettingRequest) Result {
		return s.SetAllowedDays(user, req.Value)
	},
	"allowed_hours": func(s *Service, user string, req SettingRequest) Result {
		return s.SetAllowedHours(user, req.Day, req.Value)
	},
	"time_limits": func(s *Service, user string, req SettingRequest) Result {
		return s.SetTimeLimits(user, req.Value)
	},
	"time_limit_week": func(s *Service, user string, req SettingRequest) Result {
		return s.SetTimeLimitWeek(user, req.Value)
	},
	"time_limit_month": func(s *Service, user string, req SettingRequest) Result {
		return s.SetTimeLimitMonth(user, req.Value)
	},
	"track_inactive": func(s *Service, user string, req SettingRequest) Result {
		return s.SetTrackInactive(user, req.Value)
	},
	"lockout_type": func(s *Service, user string, req SettingRequest) Result {
		return s.SetLockoutType(user, req.Value)
	},
	"playtime_enabled": func(s *Service, user string, req SettingRequest) Result {
		return s.SetPlayTimeEnabled(user, req.Value)
	},
	"playtime_limit_override": func(s *Service, user string, req SettingRequest) Result {
		return s.SetPlayTimeLimitOverride(user, req.Value)
	},
	"playtime_unaccounted_intervals": func(s *Service, user string, req SettingRequest) Result {
		return s.SetPlayTimeUnaccountedIntervals(user, req.Value)
	},
	"playtime_allowed_days": func(s *Service, user string, req SettingRequest) Result {
		return s.SetPlayTimeAllowedDays(user, req.Value)
	},
	"playtime_limits": func(s *Service, user string, req SettingRequest) Result {
		return s.SetPlayTimeLimits(user, req.Value)
	},
	"playtime_activities": func(s *Service, user string, req SettingRequest) Result {
		return s.SetPlayTimeActivities(user, req.Value)
	},
}

// SettingNames returns the setting names in sorted order.
func SettingNames() []string {
	names := make([]string, 0, len(settings))
	for name := range settings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// userHandler serves the /api/users routes.
type userHandler struct {
	service *Service
	logger  zerolog.Logger
}

func newUserHandler(service *Service, logger zerolog.Logger) *userHandler {
	return &userHandler{
		service: service,
		logger:  logger.With().Str("handler", "users").Logger(),
	}
}

// List returns every configured user.
func (h *userHandler) List(w http.ResponseWriter, r *http.Request) {
	users, res := h.service.UserList()
	if res.Status != OK {
		WriteResult(w, res)
		return
	}
	WriteJSON(w, http.StatusOK, UsersResponse{Users: users})
}

// Get returns a user's configuration and runtime state.
func (h *userHandler) Get(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	info, res := h.service.UserInfo(user, r.URL.Query().Get("view"))
	if res.Status != OK {
		WriteResult(w, res)
		return
	}
	WriteJSON(w, http.StatusOK, info)
}

// Set changes one policy setting.
func (h *userHandler) Set(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	user, setting := vars["user"], vars["setting"]

	apply, found := settings[setting]
	if !found {
		WriteError(w, http.StatusNotFound, "unknown setting "+setting)
		return
	}
	var req SettingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Debug().Err(err).Str("user", user).Msg("Invalid request body")
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res := apply(h.service, user, req)
	if res.Status != OK {
		WriteResult(w, res)
		return
	}
	WriteJSON(w, http.StatusOK, ResultResponse{Status: res.Status.String()})
}

// AdjustTimeLeft adjusts the remaining main time.
func (h *userHandler) AdjustTimeLeft(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, h.service.SetTimeLeft)
}

// AdjustPlayTimeLeft adjusts the remaining PlayTime.
func (h *userHandler) AdjustPlayTimeLeft(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, h.service.SetPlayTimeLeft)
}

func (h *userHandler) adjust(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, string, string) (*RuntimeInfo, Result)) {
	user := mux.Vars(r)["user"]
	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Debug().Err(err).Str("user", user).Msg("Invalid request body")
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	runtime, res := fn(r.Context(), user, req.Op, req.Seconds)
	if res.Status != OK {
		WriteResult(w, res)
		return
	}
	WriteJSON(w, http.StatusOK, ResultResponse{Status: res.Status.String(), Runtime: runtime})
}
