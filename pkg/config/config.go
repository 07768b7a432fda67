package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	CORS       CORSConfig
	Log        LogConfig
	Scheduling SchedulingConfig
	Attendance AttendanceConfig
	Calendar   CalendarConfig
	Reminders  RemindersConfig
	Cache      CacheConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// SchedulingConfig tunes session booking rules.
type SchedulingConfig struct {
	// AllowSharedCourseStart exempts two sessions of the same course with an
	// identical start time from the instructor conflict rule. Carried over from
	// the legacy scheduler; off unless explicitly enabled.
	AllowSharedCourseStart bool
	MinDurationMinutes     int
	MaxDurationMinutes     int
}

// AttendanceConfig tunes attendance recording rules.
type AttendanceConfig struct {
	// SelfServiceWindow is how long after session end a student may record
	// their own attendance.
	SelfServiceWindow time.Duration
	// RequireConfirmedEnrollment additionally gates self-service recording on a
	// confirmed enrollment in the session's course.
	RequireConfirmedEnrollment bool
	StatsCacheTTL              time.Duration
}

// CalendarConfig tunes calendar projection.
type CalendarConfig struct {
	DefaultReminderLead time.Duration
	SyncHorizon         time.Duration
}

// RemindersConfig configures the reminder dispatch worker.
type RemindersConfig struct {
	Enabled      bool
	ScanInterval time.Duration
	Concurrency  int
	MaxRetries   int
}

// CacheConfig governs course lookup caching.
type CacheConfig struct {
	Enabled   bool
	CourseTTL time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret: v.GetString("JWT_SECRET"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Scheduling = SchedulingConfig{
		AllowSharedCourseStart: v.GetBool("SCHEDULING_ALLOW_SHARED_COURSE_START"),
		MinDurationMinutes:     v.GetInt("SCHEDULING_MIN_DURATION_MINUTES"),
		MaxDurationMinutes:     v.GetInt("SCHEDULING_MAX_DURATION_MINUTES"),
	}

	cfg.Attendance = AttendanceConfig{
		SelfServiceWindow:          parseDuration(v.GetString("ATTENDANCE_SELF_SERVICE_WINDOW"), 24*time.Hour),
		RequireConfirmedEnrollment: v.GetBool("ATTENDANCE_REQUIRE_CONFIRMED_ENROLLMENT"),
		StatsCacheTTL:              parseDuration(v.GetString("ATTENDANCE_STATS_CACHE_TTL"), 5*time.Minute),
	}

	cfg.Calendar = CalendarConfig{
		DefaultReminderLead: parseDuration(v.GetString("CALENDAR_DEFAULT_REMINDER_LEAD"), 30*time.Minute),
		SyncHorizon:         parseDuration(v.GetString("CALENDAR_SYNC_HORIZON"), 90*24*time.Hour),
	}

	cfg.Reminders = RemindersConfig{
		Enabled:      v.GetBool("ENABLE_REMINDERS"),
		ScanInterval: parseDuration(v.GetString("REMINDERS_SCAN_INTERVAL"), time.Minute),
		Concurrency:  v.GetInt("REMINDERS_CONCURRENCY"),
		MaxRetries:   v.GetInt("REMINDERS_MAX_RETRIES"),
	}

	cfg.Cache = CacheConfig{
		Enabled:   v.GetBool("ENABLE_CACHE"),
		CourseTTL: parseDuration(v.GetString("CACHE_COURSE_TTL"), 10*time.Minute),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "tutoring_core")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("SCHEDULING_ALLOW_SHARED_COURSE_START", false)
	v.SetDefault("SCHEDULING_MIN_DURATION_MINUTES", 30)
	v.SetDefault("SCHEDULING_MAX_DURATION_MINUTES", 180)

	v.SetDefault("ATTENDANCE_SELF_SERVICE_WINDOW", "24h")
	v.SetDefault("ATTENDANCE_REQUIRE_CONFIRMED_ENROLLMENT", false)
	v.SetDefault("ATTENDANCE_STATS_CACHE_TTL", "5m")

	v.SetDefault("CALENDAR_DEFAULT_REMINDER_LEAD", "30m")
	v.SetDefault("CALENDAR_SYNC_HORIZON", "2160h")

	v.SetDefault("ENABLE_REMINDERS", false)
	v.SetDefault("REMINDERS_SCAN_INTERVAL", "1m")
	v.SetDefault("REMINDERS_CONCURRENCY", 1)
	v.SetDefault("REMINDERS_MAX_RETRIES", 3)

	v.SetDefault("ENABLE_CACHE", false)
	v.SetDefault("CACHE_COURSE_TTL", "10m")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
