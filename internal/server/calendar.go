package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/api/calendar/v3"

	"github.com/lucidhq/workspace-sync/internal/provider"
	"github.com/lucidhq/workspace-sync/internal/provider/google"
	"github.com/lucidhq/workspace-sync/internal/store"
)

type eventRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Location    string   `json:"location"`
	StartsAt    string   `json:"starts_at"`
	EndsAt      string   `json:"ends_at"`
	AllDay      bool     `json:"all_day"`
	Attendees   []string `json:"attendees"`
}

func (s *Server) handleListEvents(c *gin.Context) {
	opts := store.ListItemsOptions{}
	opts.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	opts.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))

	items, err := s.userStore(c).ListItems(c.Request.Context(), provider.KindCalendar, opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": items})
}

// handleCreateEvent inserts the event upstream first, then mirrors the
// response locally so the caller sees it without waiting for a sync
func (s *Server) handleCreateEvent(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	us := s.userStore(c)
	svc, conn, err := s.calendarFor(c, us)
	if err != nil {
		s.fail(c, err)
		return
	}

	created, err := svc.Events.Insert("primary", req.toEvent()).Context(c.Request.Context()).Do()
	if err != nil {
		s.fail(c, err)
		return
	}

	item := google.NormalizeEvent(created)
	if _, err := us.UpsertItem(c.Request.Context(), conn.ID, provider.KindCalendar, item); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (s *Server) handleUpdateEvent(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	us := s.userStore(c)
	svc, conn, err := s.calendarFor(c, us)
	if err != nil {
		s.fail(c, err)
		return
	}

	updated, err := svc.Events.Patch("primary", c.Param("id"), req.toEvent()).Context(c.Request.Context()).Do()
	if err != nil {
		if google.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		s.fail(c, err)
		return
	}

	item := google.NormalizeEvent(updated)
	if _, err := us.UpsertItem(c.Request.Context(), conn.ID, provider.KindCalendar, item); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// handleDeleteEvent deletes upstream, treating already-gone events as
// success, then drops the local row
func (s *Server) handleDeleteEvent(c *gin.Context) {
	id := c.Param("id")
	us := s.userStore(c)

	svc, _, err := s.calendarFor(c, us)
	if err != nil {
		s.fail(c, err)
		return
	}

	if err := svc.Events.Delete("primary", id).Context(c.Request.Context()).Do(); err != nil {
		if !google.IsNotFound(err) && !google.IsGone(err) {
			s.fail(c, err)
			return
		}
	}

	if _, err := us.DeleteItem(c.Request.Context(), provider.KindCalendar, id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (s *Server) calendarFor(c *gin.Context, us *store.UserStore) (*calendar.Service, *store.Connection, error) {
	conn, err := us.ActiveConnection(c.Request.Context(), "google")
	if err != nil {
		return nil, nil, err
	}
	token, err := s.refresher.FreshToken(c.Request.Context(), us, conn)
	if err != nil {
		return nil, nil, err
	}
	svc, err := google.NewCalendarService(c.Request.Context(), token)
	if err != nil {
		return nil, nil, err
	}
	return svc, conn, nil
}

func (r *eventRequest) toEvent() *calendar.Event {
	ev := &calendar.Event{
		Summary:     r.Title,
		Description: r.Description,
		Location:    r.Location,
	}
	ev.Start = r.eventTime(r.StartsAt)
	ev.End = r.eventTime(r.EndsAt)
	for _, email := range r.Attendees {
		ev.Attendees = append(ev.Attendees, &calendar.EventAttendee{Email: email})
	}
	return ev
}

func (r *eventRequest) eventTime(value string) *calendar.EventDateTime {
	if value == "" {
		return nil
	}
	if r.AllDay {
		if t, err := time.Parse(time.RFC3339, value); err == nil {
			value = t.Format("2006-01-02")
		}
		return &calendar.EventDateTime{Date: value}
	}
	return &calendar.EventDateTime{DateTime: value}
}
