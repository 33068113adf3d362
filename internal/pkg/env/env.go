package env

import (
	"log"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

var fileValues map[string]string

// SetupEnvFile loads the nearest .env file, walking up from the working
// directory so the binary behaves the same from the repo root and from
// cmd/ladlebox. No file is fine; containerized deployments configure the
// process environment directly.
func SetupEnvFile() {
	dir := "."
	for depth := 0; depth < 4; depth++ {
		candidate := filepath.Join(dir, ".env")
		if values, err := godotenv.Read(candidate); err == nil {
			fileValues = values
			return
		}
		dir = filepath.Join(dir, "..")
	}
	log.Println("env: no .env file found, using OS environment only")
}

// GetEnv resolves a key against the loaded .env file first, then the
// process environment, then the given default.
func GetEnv(key, def string) string {
	if v, ok := fileValues[key]; ok && v != "" {
		return v
	}
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// IsDev reports whether the app runs in development mode.
func IsDev() bool {
	return GetEnv("APP_ENV", "prod") == "dev"
}
