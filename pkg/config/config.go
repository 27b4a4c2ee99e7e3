package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Port            string
	Environment     string
	DatabasePath    string
	JWTSecret       string
	CORSOrigins     string
	FrontendURL     string
	MaxUploadSize   int64
	FileStoragePath string
	VAPIDPublicKey  string
	VAPIDPrivateKey string
}

// Load reads configuration from the environment. When COMMUNE_ENV_FILE points
// at a .env file it is loaded first; real environment variables win over
// file-provided values.
func Load() *Config {
	if envFile := os.Getenv("COMMUNE_ENV_FILE"); envFile != "" {
		godotenv.Load(envFile)
	} else {
		godotenv.Load()
	}

	return &Config{
		Port:            getEnv("PORT", "8080"),
		Environment:     getEnv("ENVIRONMENT", "development"),
		DatabasePath:    getEnv("DATABASE_PATH", "./data/commune.db"),
		JWTSecret:       getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
		CORSOrigins:     getEnv("CORS_ORIGINS", "*"),
		FrontendURL:     getEnv("FRONTEND_URL", ""),
		MaxUploadSize:   parseInt64(getEnv("MAX_UPLOAD_SIZE", "52428800")), // 50MB default
		FileStoragePath: getEnv("FILE_STORAGE_PATH", "./data/uploads"),
		VAPIDPublicKey:  getEnv("VAPID_PUBLIC_KEY", ""),
		VAPIDPrivateKey: getEnv("VAPID_PRIVATE_KEY", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func parseInt64(s string) int64 {
	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 52428800 // 50MB default
	}
	return val
}
