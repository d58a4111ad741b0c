package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tazhate/classbell/internal/domain"
	"github.com/tazhate/classbell/internal/importer"
	"github.com/tazhate/classbell/internal/notify"
	"github.com/tazhate/classbell/internal/scheduler"
	"github.com/tazhate/classbell/internal/service"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
	maxUploadBytes  = 10 << 20
)

type ClassResponse struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Room         string `json:"room"`
	TeacherEmail string `json:"teacher_email"`
	Start        string `json:"start_datetime"`
	End          string `json:"end_datetime"`
	Recurrence   string `json:"recurrence"`
}

type UserResponse struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	Phone          string `json:"phone,omitempty"`
	Role           string `json:"role"`
	Timezone       string `json:"timezone"`
	TelegramLinked bool   `json:"telegram_linked"`
	CreatedAt      string `json:"created_at"`
}

type PreferencesResponse struct {
	LeadTimeMinutes int                     `json:"lead_time_minutes"`
	Channels        map[domain.Channel]bool `json:"channels"`
	QuietHours      domain.QuietHours       `json:"quiet_hours"`
}

type DispatchLogResponse struct {
	ID         string `json:"id"`
	ReminderID string `json:"reminder_id"`
	Timestamp  string `json:"timestamp"`
	Status     string `json:"status"`
	Response   string `json:"response"`
}

type HealthResponse struct {
	Status    string           `json:"status"`
	Database  string           `json:"database"`
	Pending   int              `json:"pending"`
	Channels  []string         `json:"channels"`
	Scheduler scheduler.Status `json:"scheduler"`
}

func toClassResponse(c *domain.ClassOccurrence) ClassResponse {
	return ClassResponse{
		ID:           c.ID,
		Title:        c.Title,
		Room:         c.Room,
		TeacherEmail: c.TeacherEmail,
		Start:        c.Start.Format(time.RFC3339),
		End:          c.End.Format(time.RFC3339),
		Recurrence:   string(c.Recurrence),
	}
}

func toClassList(classes []*domain.ClassOccurrence) []ClassResponse {
	out := make([]ClassResponse, 0, len(classes))
	for _, c := range classes {
		out = append(out, toClassResponse(c))
	}
	return out
}

func toUserResponse(u *domain.User) UserResponse {
	return UserResponse{
		ID:             u.ID,
		Name:           u.Name,
		Email:          u.Email,
		Phone:          u.Phone,
		Role:           string(u.Role),
		Timezone:       u.Timezone,
		TelegramLinked: u.TelegramChatID != 0,
		CreatedAt:      u.CreatedAt.Format(time.RFC3339),
	}
}

func toPreferencesResponse(p domain.NotificationPreferences) PreferencesResponse {
	return PreferencesResponse{
		LeadTimeMinutes: p.LeadTimeMinutes,
		Channels:        p.Channels,
		QuietHours:      p.QuietHours,
	}
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, v)
	}
	return n, nil
}

// GET /api/health - liveness plus scheduler state
func (s *Server) apiHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   "ok",
		Database: "ok",
	}
	status := http.StatusOK

	if err := s.deps.Store.Ping(r.Context()); err != nil {
		resp.Status, resp.Database = "degraded", err.Error()
		status = http.StatusServiceUnavailable
	} else if n, err := s.deps.Store.CountPendingReminders(r.Context()); err == nil {
		resp.Pending = n
	}
	if s.deps.Registry != nil {
		resp.Channels = s.deps.Registry.Channels()
	}
	if s.deps.Scheduler != nil {
		resp.Scheduler = s.deps.Scheduler.Status()
		if !resp.Scheduler.Running && resp.Status == "ok" {
			resp.Status = "starting"
		}
	}

	s.jsonResponse(w, status, resp)
}

// GET /api/logs?limit=N - dispatch audit trail, newest first
func (s *Server) apiLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultLogLimit)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}

	logs, err := s.deps.Store.ListDispatchLogs(r.Context(), limit)
	if err != nil {
		s.fail(w, err)
		return
	}

	out := make([]DispatchLogResponse, 0, len(logs))
	for _, l := range logs {
		out = append(out, DispatchLogResponse{
			ID:         l.ID,
			ReminderID: l.ReminderID,
			Timestamp:  l.Timestamp.Format(time.RFC3339),
			Status:     string(l.Status),
			Response:   l.Response,
		})
	}
	s.jsonResponse(w, http.StatusOK, out)
}

// POST /api/test-reminder?email=...&channel=email - sends a synthetic
// reminder straight through the channel, bypassing the store
func (s *Server) apiTestReminder(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if email == "" {
		s.jsonError(w, "email is required", http.StatusBadRequest)
		return
	}
	ch := domain.Channel(r.URL.Query().Get("channel"))
	if ch == "" {
		ch = domain.ChannelEmail
	}
	if !ch.Known() {
		s.jsonError(w, fmt.Sprintf("unknown channel %q", ch), http.StatusBadRequest)
		return
	}

	start := time.Now().Add(15 * time.Minute)
	class, err := domain.NewClassOccurrence("", "Test Class", "Test Room", email, start, start.Add(time.Hour), domain.RecurrenceOnce)
	if err != nil {
		s.fail(w, err)
		return
	}

	users, err := s.deps.Users.LookupByEmail(r.Context(), class.TeacherEmail)
	if err != nil {
		s.fail(w, err)
		return
	}

	loc := s.deps.Location
	if len(users) > 0 && users[0].Timezone != "" {
		loc = users[0].Location()
	}
	msg, err := notify.Render(class, domain.DefaultLeadTimeMinutes, loc)
	if err != nil {
		s.fail(w, err)
		return
	}

	if len(users) > 0 {
		err = s.deps.Registry.SendTo(r.Context(), ch, users[0], msg)
	} else if ch == domain.ChannelEmail {
		err = s.deps.Registry.SendAddress(r.Context(), ch, class.TeacherEmail, msg)
	} else {
		err = fmt.Errorf("%w: no account for %s", notify.ErrNoAddress, class.TeacherEmail)
	}
	if err != nil {
		s.fail(w, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Test reminder sent to %s via %s", class.TeacherEmail, ch),
	})
}

// POST /api/dispatch/run - run one dispatch tick now
func (s *Server) apiDispatchRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		s.jsonError(w, "Scheduler not running", http.StatusServiceUnavailable)
		return
	}
	rep := s.deps.Scheduler.RunNow(r.Context())
	if rep.Err != nil {
		s.fail(w, rep.Err)
		return
	}
	s.jsonResponse(w, http.StatusOK, rep)
}

type createClassRequest struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Room         string `json:"room"`
	TeacherEmail string `json:"teacher_email"`
	Start        string `json:"start_datetime"`
	End          string `json:"end_datetime"`
	Recurrence   string `json:"recurrence"`
}

// POST /api/classes - create a class and schedule its reminders
func (s *Server) apiCreateClass(w http.ResponseWriter, r *http.Request) {
	var req createClassRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	start, err := importer.ParseTime(req.Start, s.deps.Location)
	if err != nil {
		s.jsonError(w, "start_datetime: "+err.Error(), http.StatusBadRequest)
		return
	}
	end, err := importer.ParseTime(req.End, s.deps.Location)
	if err != nil {
		s.jsonError(w, "end_datetime: "+err.Error(), http.StatusBadRequest)
		return
	}
	recurrence, err := domain.ParseRecurrence(req.Recurrence)
	if err != nil {
		s.fail(w, err)
		return
	}
	class, err := domain.NewClassOccurrence(req.ID, req.Title, req.Room, req.TeacherEmail, start, end, recurrence)
	if err != nil {
		s.fail(w, err)
		return
	}

	items, err := s.deps.Classes.Create(r.Context(), class)
	if err != nil {
		s.fail(w, err)
		return
	}

	s.jsonResponse(w, http.StatusCreated, map[string]interface{}{
		"class":               toClassResponse(class),
		"reminders_scheduled": len(items),
	})
}

// GET /api/classes/upcoming?hours=24
func (s *Server) apiUpcomingClasses(w http.ResponseWriter, r *http.Request) {
	hours, err := intParam(r, "hours", 24)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	classes, err := s.deps.Classes.ListUpcoming(r.Context(), hours)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, toClassList(classes))
}

// GET /api/users
func (s *Server) apiListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.deps.Users.List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]UserResponse, 0, len(users))
	for _, u := range users {
		out = append(out, toUserResponse(u))
	}
	s.jsonResponse(w, http.StatusOK, out)
}

// POST /api/users
func (s *Server) apiCreateUser(w http.ResponseWriter, r *http.Request) {
	var req service.NewUserInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	u, err := s.deps.Users.Create(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, toUserResponse(u))
}

// GET /api/users/{id}/preferences - effective preferences
func (s *Server) apiGetPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := s.deps.Users.Resolve(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, toPreferencesResponse(prefs))
}

// PUT /api/users/{id}/preferences - partial update
func (s *Server) apiUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var upd domain.PreferencesUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		s.jsonError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	prefs, err := s.deps.Users.UpdatePreferences(r.Context(), r.PathValue("id"), upd)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, toPreferencesResponse(prefs))
}

// GET /api/users/{id}/classes?days=7 - classes the user organizes
func (s *Server) apiUserClasses(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r, "days", 7)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	u, err := s.deps.Users.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	classes, err := s.deps.Classes.ListForTeacher(r.Context(), u.Email, days)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, toClassList(classes))
}

// POST /api/timetables/upload - multipart "file", .csv or .ics
func (s *Server) apiTimetableUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		s.jsonError(w, "file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	rep, err := s.deps.Timetables.Import(r.Context(), header.Filename, file)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, rep)
}

// POST /api/timetables/sync - pull the CalDAV timetable now
func (s *Server) apiTimetableSync(w http.ResponseWriter, r *http.Request) {
	rep, err := s.deps.Timetables.Sync(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, rep)
}

// GET /api/timetables/calendars - calendars visible to the CalDAV account
func (s *Server) apiCalendarList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Calendars == nil {
		s.jsonError(w, "Calendar not configured", http.StatusServiceUnavailable)
		return
	}
	calendars, err := s.deps.Calendars.DiscoverCalendars(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, calendars)
}
