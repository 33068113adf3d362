package main

import (
	"fmt"
	"log"
	"os"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/favicon"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/template/html/v2"

	"github.com/ladlebox/ladlebox/app/controllers"
	"github.com/ladlebox/ladlebox/internal/pkg/cache"
	"github.com/ladlebox/ladlebox/internal/pkg/config"
	"github.com/ladlebox/ladlebox/internal/pkg/env"
	"github.com/ladlebox/ladlebox/internal/pkg/router"
)

func main() {
	app := NewApplication()
	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	cache.SetupCache()

	// All secrets and base URLs are validated here; a missing one must
	// stop the process, not surface as a mid-request surprise.
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	controllers.Initialize(cfg)

	// Define possible base paths
	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/ladlebox to project root
		"../../../", // Fallback
	}

	// Find the correct base path
	basePath := ""
	for _, path := range basePaths {
		if _, err := os.Stat(path + "views"); !os.IsNotExist(err) {
			basePath = path
			break
		}
	}

	if basePath == "" {
		panic("Could not find project root directory")
	}

	// init fiber app
	app := fiber.New(fiber.Config{
		Views: html.New(basePath+"views", ".html"),
	})

	// ignore and cache favicon
	app.Use(favicon.New(favicon.Config{
		URL: "/favicon.ico",
	}))

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	openAPICfg := swagger.Config{
		BasePath: "/docs/api/",
		FilePath: basePath + "public/docs/v1/openapi.yml",
		Path:     "v1",
	}
	app.Use(swagger.New(openAPICfg))

	// ROUTER
	router.InstallRouter(app)

	return app
}
