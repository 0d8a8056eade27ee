package server

import (
	"net/url"
	"time"
)

type RedisConfig struct {
	Addrs  []string
	Pass   string
	Prefix string
}

type Config struct {
	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	Log struct {
		// Level is one of debug, info, warn, error.
		Level string
		// Format is json or text.
		Format string
	}

	Redis struct {
		Leaderboard RedisConfig
		Pubsub      RedisConfig
	}

	Store struct {
		// Driver is postgres, sqlite or memory. There is no fallback between them.
		Driver         string
		HealthInterval time.Duration
	}

	Postgres struct {
		Users struct {
			Addr    string
			User    string
			Pass    string
			Name    string
			SSLMode string
		}
	}

	SQLite struct {
		Path string
	}

	Catalog struct {
		Dir string
		// Subjects lists the topics of each subject.
		Subjects map[string][]string
	}

	Quiz struct {
		TimeLimits struct {
			Default  time.Duration
			Subjects map[string]time.Duration
			// Topics is keyed by subject/topic and wins over Subjects.
			Topics map[string]time.Duration
		}

		Scoring struct {
			Correct       string
			Incorrect     string
			Timeout       string
			CountTimeouts bool
		}
	}

	Access struct {
		FreeQuestionLimit int
		AdminIDs          []string
		// AdminToken is the bearer token of the HTTP premium and admin routes.
		// Empty disables those routes.
		AdminToken        string
		PremiumDurations  map[string]time.Duration
	}

	Telegram struct {
		// Token enables the bot. Empty runs without it.
		Token          string
		PremiumChatIDs []int64
		Debug          bool
	}

	Leaderboard struct {
		Size           int
		RebuildOnStart bool
	}
}

func DefaultConfig() Config {
	var c Config

	c.HTTP.Port = 8080
	c.GRPC.Port = 8081

	c.Log.Level = "info"
	c.Log.Format = "json"

	c.Redis.Leaderboard = RedisConfig{Addrs: []string{"localhost:6379"}, Prefix: "prepquiz"}
	c.Redis.Pubsub = RedisConfig{Addrs: []string{"localhost:6379"}, Prefix: "prepquiz"}

	c.Store.Driver = "sqlite"
	c.Store.HealthInterval = 15 * time.Second

	c.Postgres.Users.Addr = "localhost:5432"
	c.Postgres.Users.User = "postgres"
	c.Postgres.Users.Name = "prepquiz"
	c.Postgres.Users.SSLMode = "disable"

	c.SQLite.Path = "prepquiz.db"

	c.Catalog.Dir = "questions"
	c.Catalog.Subjects = map[string][]string{
		"math": {
			"age", "average", "fraction", "interest", "number",
			"permutation", "profit-loss", "ratio", "solids", "triangle",
			"angle", "circle", "inequality", "mixture", "percentage",
			"probability", "quadrilateral", "set", "speed", "workdone",
		},
		"english": {
			"analogy", "correct-use-of-word", "error-detection",
			"reading-comprehension", "rearrange", "sentence-completion",
			"sentence-correction", "suffix-prefix", "syn-ant",
		},
		"analytical": {"cr", "ds", "puzzle"},
	}

	c.Quiz.TimeLimits.Default = time.Minute
	c.Quiz.TimeLimits.Subjects = map[string]time.Duration{
		"math":       90 * time.Second,
		"english":    45 * time.Second,
		"analytical": 60 * time.Second,
	}
	c.Quiz.TimeLimits.Topics = map[string]time.Duration{
		"analytical/cr": 120 * time.Second,
	}
	c.Quiz.Scoring.Correct = "1"
	c.Quiz.Scoring.Incorrect = "-0.25"
	c.Quiz.Scoring.Timeout = "0"
	c.Quiz.Scoring.CountTimeouts = true

	c.Access.FreeQuestionLimit = 30
	c.Access.PremiumDurations = map[string]time.Duration{
		"1d":  24 * time.Hour,
		"7d":  7 * 24 * time.Hour,
		"30d": 30 * 24 * time.Hour,
		"90d": 90 * 24 * time.Hour,
	}

	c.Leaderboard.Size = 10
	c.Leaderboard.RebuildOnStart = true

	return c
}

func (c Config) postgresDSN() string {
	u := c.Postgres.Users
	dsn := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(u.User, u.Pass),
		Host:     u.Addr,
		Path:     "/" + u.Name,
		RawQuery: url.Values{"sslmode": {u.SSLMode}}.Encode(),
	}
	return dsn.String()
}
