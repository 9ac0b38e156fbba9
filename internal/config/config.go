package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port                       string
	DatabaseURL                string
	ServiceTimePerPatient      time.Duration
	MaxApplyAttempts           int
	RealtimeSendBuffer         int
	RateLimitPerMinute         int
	RateLimitBurst             int
	FacilityRateLimitPerMinute int
	FacilityRateLimitBurst     int
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:                       port,
		DatabaseURL:                os.Getenv("DB_DSN"),
		ServiceTimePerPatient:      readDurationSeconds("SERVICE_SECONDS_PER_PATIENT", 600),
		MaxApplyAttempts:           readInt("MAX_APPLY_ATTEMPTS", 5),
		RealtimeSendBuffer:         readInt("REALTIME_SEND_BUFFER", 64),
		RateLimitPerMinute:         readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:             readInt("RATE_LIMIT_BURST", 30),
		FacilityRateLimitPerMinute: readInt("FACILITY_RATE_LIMIT_PER_MIN", 600),
		FacilityRateLimitBurst:     readInt("FACILITY_RATE_LIMIT_BURST", 120),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
