package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Config carries every runtime setting the service reads from the environment.
type Config struct {
	Port        string
	DatabaseDSN string
	RedisAddr   string

	// JWTSecret and JWTAudience have no defaults. An empty secret leaves
	// the API refusing every request rather than accepting tokens signed
	// with a guessable string.
	JWTSecret   string
	JWTAudience string

	UploadDir string

	ClassifierModelPath  string
	ClassifierMetaPath   string
	SubtypeModelPath     string
	SubtypeMetaPath      string
	AutoencoderModelPath string
	AutoencoderMetaPath  string
	CAMModelPath         string
	CAMMetaPath          string

	// Localizer selects the anomaly strategy: reconstruction, gradcam,
	// placeholder, or none.
	Localizer string

	// GeminiAPIKey is read from GOOGLE_API_KEY only. There is deliberately
	// no embedded fallback credential; an empty value disables guidance.
	GeminiAPIKey string
	GeminiModel  string
}

// Load reads configuration from the environment, honoring a local .env file.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseDSN: getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=xray port=5432 sslmode=disable"),
		RedisAddr:   getEnv("REDIS_ADDR", "redis:6379"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		JWTAudience: os.Getenv("JWT_AUDIENCE"),

		UploadDir: getEnv("UPLOAD_DIR", "uploads"),

		ClassifierModelPath:  getEnv("CLASSIFIER_MODEL", "models/pneumonia_classifier.onnx"),
		ClassifierMetaPath:   getEnv("CLASSIFIER_METADATA", "models/pneumonia_classifier.json"),
		SubtypeModelPath:     os.Getenv("SUBTYPE_MODEL"),
		SubtypeMetaPath:      os.Getenv("SUBTYPE_METADATA"),
		AutoencoderModelPath: os.Getenv("AUTOENCODER_MODEL"),
		AutoencoderMetaPath:  os.Getenv("AUTOENCODER_METADATA"),
		CAMModelPath:         os.Getenv("CAM_MODEL"),
		CAMMetaPath:          os.Getenv("CAM_METADATA"),

		Localizer: strings.ToLower(getEnv("LOCALIZER", "reconstruction")),

		GeminiAPIKey: os.Getenv("GOOGLE_API_KEY"),
		GeminiModel:  getEnv("GEMINI_MODEL", "gemini-1.5-flash-latest"),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
