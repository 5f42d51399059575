// Package dashboard loads the data behind the role dashboards: headline stats and the
// notification feed. Both degrade independently when the backend is unavailable.
package dashboard

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/theplant/reqcache"
)

// Role selects which dashboard is shown
type Role string

const (
	RoleAdmin          Role = "admin"
	RoleCoordinator    Role = "coordinator"
	RoleLearner        Role = "learner"
	RoleProjectManager Role = "project-manager"
)

// Entity kinds reported by mutating API calls
const (
	KindCourse       = "course"
	KindQuiz         = "quiz"
	KindBadge        = "badge"
	KindUser         = "user"
	KindTechnology   = "technology"
	KindNotification = "notification"
)

// Stats are the headline counters. The zero value is what the dashboard shows
// before the backend ever answered.
type Stats struct {
	TotalCourses     int `json:"totalCourses"`
	TotalLearners    int `json:"totalLearners"`
	ActiveQuizzes    int `json:"activeQuizzes"`
	CompletedCourses int `json:"completedCourses"`
	BadgesAwarded    int `json:"badgesAwarded"`
}

type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// Overview is everything a dashboard page renders on load
type Overview struct {
	Stats         Stats
	Notifications []Notification
}

var (
	DefaultStatsPolicy = reqcache.Policy{
		FreshDuration:   2 * time.Minute,
		FetchTimeout:    5 * time.Second,
		MaxWaitAttempts: 50,
		PollInterval:    100 * time.Millisecond,
	}
	DefaultNotificationsPolicy = reqcache.Policy{
		FreshDuration:   30 * time.Second,
		FetchTimeout:    5 * time.Second,
		MaxWaitAttempts: 50,
		PollInterval:    100 * time.Millisecond,
	}
)

// Config holds configuration for Service
type Config struct {
	// BaseURL is the backend API root, e.g. https://lms.example.com/api
	BaseURL string

	Role Role

	// Token returns the current access token; nil sends no Authorization header
	Token func() string

	StatsPolicy         reqcache.Policy
	NotificationsPolicy reqcache.Policy

	// HTTPClient defaults to reqcache.NewHTTPClient()
	HTTPClient *http.Client

	Logger *slog.Logger

	// StatsCache and NotificationsCache may be shared between services of different roles;
	// keys are namespaced by role. New caches are created when nil.
	StatsCache         *reqcache.RequestCache[Stats]
	NotificationsCache *reqcache.RequestCache[[]Notification]
}

// Service serves dashboard data through request caches
type Service struct {
	role                Role
	statsPolicy         reqcache.Policy
	notificationsPolicy reqcache.Policy
	stats               *reqcache.RequestCache[Stats]
	notifications       *reqcache.RequestCache[[]Notification]
	fetchStats          reqcache.Fetcher[Stats]
	fetchNotifications  reqcache.Fetcher[[]Notification]
}

// NewService validates config and creates a Service
func NewService(config Config) (*Service, error) {
	if config.BaseURL == "" {
		return nil, errors.New("BaseURL is required")
	}
	base, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid BaseURL: %s", config.BaseURL)
	}
	if config.Role == "" {
		return nil, errors.New("Role is required")
	}

	if config.StatsPolicy == (reqcache.Policy{}) {
		config.StatsPolicy = DefaultStatsPolicy
	}
	if config.NotificationsPolicy == (reqcache.Policy{}) {
		config.NotificationsPolicy = DefaultNotificationsPolicy
	}
	if err := config.StatsPolicy.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid StatsPolicy")
	}
	if err := config.NotificationsPolicy.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid NotificationsPolicy")
	}

	if config.HTTPClient == nil {
		config.HTTPClient = reqcache.NewHTTPClient()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.StatsCache == nil {
		config.StatsCache = reqcache.New(
			reqcache.WithName[Stats]("dashboard-stats"),
			reqcache.WithLogger[Stats](config.Logger),
		)
	}
	if config.NotificationsCache == nil {
		config.NotificationsCache = reqcache.New(
			reqcache.WithName[[]Notification]("dashboard-notifications"),
			reqcache.WithLogger[[]Notification](config.Logger),
		)
	}

	var opts []reqcache.RequestOption
	if config.Token != nil {
		opts = append(opts, reqcache.WithBearerToken(config.Token))
	}

	return &Service{
		role:                config.Role,
		statsPolicy:         config.StatsPolicy,
		notificationsPolicy: config.NotificationsPolicy,
		stats:               config.StatsCache,
		notifications:       config.NotificationsCache,
		fetchStats: reqcache.JSONFetcher[Stats](config.HTTPClient, http.MethodGet,
			endpoint(base, "dashboard/stats", config.Role), opts...),
		fetchNotifications: reqcache.JSONFetcher[[]Notification](config.HTTPClient, http.MethodGet,
			endpoint(base, "dashboard/notifications", config.Role), opts...),
	}, nil
}

func endpoint(base *url.URL, path string, role Role) string {
	u := *base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + path
	q := u.Query()
	q.Set("role", string(role))
	u.RawQuery = q.Encode()
	return u.String()
}

// StatsKey is the cache key of the stats for role
func StatsKey(role Role) string {
	return "dashboard-stats:" + string(role)
}

// NotificationsKey is the cache key of the notification feed for role
func NotificationsKey(role Role) string {
	return "dashboard-notifications:" + string(role)
}

// Stats returns the dashboard counters, zero counters if the backend never answered
func (s *Service) Stats(ctx context.Context) Stats {
	return s.stats.Get(ctx, StatsKey(s.role), s.fetchStats, s.statsPolicy, Stats{})
}

// Notifications returns a copy of the notification feed, empty if the backend never answered
func (s *Service) Notifications(ctx context.Context) []Notification {
	feed := s.notifications.Get(ctx, NotificationsKey(s.role), s.fetchNotifications, s.notificationsPolicy, []Notification{})
	return slices.Clone(feed)
}

// Overview loads stats and notifications in parallel; one failing does not affect the other
func (s *Service) Overview(ctx context.Context) Overview {
	var (
		g  errgroup.Group
		ov Overview
	)
	g.Go(func() error {
		ov.Stats = s.Stats(ctx)
		return nil
	})
	g.Go(func() error {
		ov.Notifications = s.Notifications(ctx)
		return nil
	})
	_ = g.Wait()
	return ov
}

// RegisterInvalidation binds the entity kinds that change the dashboard to its keys
func (s *Service) RegisterInvalidation(hub *reqcache.Hub) {
	for _, kind := range []string{KindCourse, KindQuiz, KindBadge, KindUser, KindTechnology} {
		hub.Bind(kind, s.stats, StatsKey(s.role))
	}
	hub.Bind(KindNotification, s.notifications, NotificationsKey(s.role))
}
